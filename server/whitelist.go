package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/echotools/mcwhitelist/server/rcon"
	"go.uber.org/zap"
)

type WhitelistAction string

const (
	WhitelistAdd    WhitelistAction = "add"
	WhitelistRemove WhitelistAction = "remove"
)

const whitelistReloadDirective = "whitelist reload"

// Replies that mean the server rejected the directive itself rather than the name.
var whitelistProtocolFailures = []string{
	"Unknown or incomplete command",
	"Incorrect argument for command",
}

// WhitelistResult is the outcome of one best-effort whitelist mutation.
type WhitelistResult struct {
	Action      WhitelistAction
	AccountName string
	OK          bool
	Err         error
	Replies     []string
	Duration    time.Duration
}

// Whitelist mutates the remote whitelist. Implementations never return errors;
// failures are carried in the result.
type Whitelist interface {
	Add(ctx context.Context, accountName string) WhitelistResult
	Remove(ctx context.Context, accountName string) WhitelistResult
}

// WhitelistSession is a scoped connection to the remote control channel.
type WhitelistSession interface {
	Command(ctx context.Context, directive string) (string, error)
	Close() error
}

type SessionDialer interface {
	Dial(ctx context.Context) (WhitelistSession, error)
}

// RCONSessionDialer opens an RCON connection per session.
type RCONSessionDialer struct {
	rcon.Dialer
}

func (d RCONSessionDialer) Dial(ctx context.Context) (WhitelistSession, error) {
	client, err := d.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

var _ = Whitelist(&WhitelistController{})

type WhitelistController struct {
	logger  *zap.Logger
	metrics *Metrics
	dialer  SessionDialer
	timeout time.Duration
}

func NewWhitelistController(logger *zap.Logger, metrics *Metrics, dialer SessionDialer, timeout time.Duration) *WhitelistController {
	return &WhitelistController{
		logger:  logger.With(zap.String("module", "whitelist")),
		metrics: metrics,
		dialer:  dialer,
		timeout: timeout,
	}
}

func (c *WhitelistController) Add(ctx context.Context, accountName string) WhitelistResult {
	return c.mutate(ctx, WhitelistAdd, accountName)
}

func (c *WhitelistController) Remove(ctx context.Context, accountName string) WhitelistResult {
	return c.mutate(ctx, WhitelistRemove, accountName)
}

func (c *WhitelistController) mutate(ctx context.Context, action WhitelistAction, accountName string) WhitelistResult {
	start := time.Now()
	result := WhitelistResult{
		Action:      action,
		AccountName: accountName,
	}
	logger := c.logger.With(zap.String("action", string(action)), zap.String("account_name", accountName))

	replies, err := c.issue(ctx, action, accountName)
	result.Replies = replies
	result.Duration = time.Since(start)
	if err != nil {
		result.Err = fmt.Errorf("%w: %w", ErrRemoteControl, err)
		logger.Warn("Whitelist directive failed", zap.Duration("duration", result.Duration), zap.Error(err))
	} else {
		result.OK = true
		logger.Debug("Whitelist directive applied", zap.Strings("replies", replies), zap.Duration("duration", result.Duration))
	}
	c.metrics.ObserveWhitelist(result)
	return result
}

// issue runs the mutation followed by a reload on a fresh session, closing it on every path.
func (c *WhitelistController) issue(ctx context.Context, action WhitelistAction, accountName string) (replies []string, err error) {
	if err := validateAccountName(accountName); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			c.logger.Debug("Error closing whitelist session", zap.Error(closeErr))
		}
	}()

	directives := [...]string{
		fmt.Sprintf("whitelist %s %s", action, accountName),
		whitelistReloadDirective,
	}
	for _, directive := range directives {
		reply, err := session.Command(ctx, directive)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return replies, fmt.Errorf("%q timed out after %s: %w", directive, c.timeout, err)
			}
			return replies, fmt.Errorf("%q failed: %w", directive, err)
		}
		replies = append(replies, reply)
		for _, prefix := range whitelistProtocolFailures {
			if strings.HasPrefix(reply, prefix) {
				return replies, fmt.Errorf("%q rejected: %s", directive, reply)
			}
		}
	}
	return replies, nil
}

// validateAccountName keeps stored names from smuggling extra arguments into a directive.
func validateAccountName(name string) error {
	if name == "" {
		return errors.New("account name is empty")
	}
	if strings.IndexFunc(name, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return fmt.Errorf("account name %q contains whitespace or control characters", name)
	}
	return nil
}
