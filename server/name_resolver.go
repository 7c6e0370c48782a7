package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultMojangBaseURL = "https://api.mojang.com"

// NameResolver maps a user-supplied name to the account's canonical name and dashed id.
type NameResolver interface {
	Resolve(ctx context.Context, rawName string) (accountName string, accountID string, err error)
}

type mojangProfile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type MojangResolver struct {
	logger  *zap.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

func NewMojangResolver(logger *zap.Logger, baseURL string, timeout time.Duration, perSecond float64) *MojangResolver {
	if baseURL == "" {
		baseURL = DefaultMojangBaseURL
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &MojangResolver{
		logger:  logger.With(zap.String("module", "name_resolver")),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (r *MojangResolver) Resolve(ctx context.Context, rawName string) (string, string, error) {
	name := strings.TrimSpace(rawName)
	if name == "" || strings.ContainsAny(name, "/?#") {
		return "", "", fmt.Errorf("%w: %q", ErrNameNotFound, rawName)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return "", "", fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := r.baseURL + "/users/profiles/minecraft/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("profile lookup failed: %w", err)
	}
	defer resp.Body.Close()

	r.logger.Debug("Profile lookup", zap.String("name", name), zap.Int("status", resp.StatusCode))

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound, http.StatusBadRequest:
		return "", "", fmt.Errorf("%w: %q", ErrNameNotFound, name)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", fmt.Errorf("profile lookup returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var profile mojangProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", "", fmt.Errorf("failed to decode profile: %w", err)
	}
	if profile.Name == "" || profile.ID == "" {
		return "", "", fmt.Errorf("%w: empty profile for %q", ErrNameNotFound, name)
	}
	accountID, err := NormalizeAccountID(profile.ID)
	if err != nil {
		return "", "", fmt.Errorf("profile for %q has a bad id: %w", name, err)
	}
	return profile.Name, accountID, nil
}
