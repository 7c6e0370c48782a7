package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

var canonicalAccountIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// UserID is a Discord user snowflake.
type UserID uint64

func (id UserID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return UserID(v), nil
}

// NormalizeAccountID converts any UUID encoding (dashed, undashed, braced, urn) into
// the canonical lowercase dashed form.
func NormalizeAccountID(s string) (string, error) {
	id, err := uuid.FromString(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid account id %q: %w", s, err)
	}
	return id.String(), nil
}

func IsCanonicalAccountID(s string) bool {
	return canonicalAccountIDPattern.MatchString(s)
}

type LinkRecord struct {
	UserID      UserID `json:"discord_id"`
	AccountName string `json:"account_name"`
	AccountID   string `json:"account_id"`
}

func (r LinkRecord) Validate() error {
	switch {
	case r.UserID == 0:
		return fmt.Errorf("%w: missing user id", ErrInvalidRecord)
	case r.AccountName == "":
		return fmt.Errorf("%w: empty account name for %s", ErrInvalidRecord, r.UserID)
	case !IsCanonicalAccountID(r.AccountID):
		return fmt.Errorf("%w: account id %q for %s is not canonical", ErrInvalidRecord, r.AccountID, r.UserID)
	}
	return nil
}

// Registry maps a Discord user to its linked account. The zero value is not usable; use make.
type Registry map[UserID]LinkRecord

// Upsert replaces any existing record for the user and reports whether one was replaced.
func (r Registry) Upsert(record LinkRecord) (previous LinkRecord, replaced bool) {
	previous, replaced = r[record.UserID]
	r[record.UserID] = record
	return previous, replaced
}

func (r Registry) Remove(id UserID) (LinkRecord, bool) {
	record, ok := r[id]
	if ok {
		delete(r, id)
	}
	return record, ok
}

func (r Registry) Clone() Registry {
	c := make(Registry, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Records returns the records ordered by user id.
func (r Registry) Records() []LinkRecord {
	records := make([]LinkRecord, 0, len(r))
	for _, v := range r {
		records = append(records, v)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records
}

// linkValue is the on-disk value: ["name", "uuid"]. The object form is accepted on read.
type linkValue struct {
	Name string
	UUID string
}

func (v linkValue) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{v.Name, v.UUID})
}

func (v *linkValue) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("expected [name, uuid], got %d elements", len(pair))
		}
		v.Name, v.UUID = pair[0], pair[1]
		return nil
	}
	var obj struct {
		Name string `json:"name"`
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	v.Name, v.UUID = obj.Name, obj.UUID
	return nil
}

// EncodeRegistry serializes the full registry document.
func EncodeRegistry(r Registry) ([]byte, error) {
	doc := make(map[string]linkValue, len(r))
	for id, record := range r {
		doc[id.String()] = linkValue{Name: record.AccountName, UUID: record.AccountID}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// DecodeRegistry parses a registry document. Any malformed entry fails the whole document.
func DecodeRegistry(data []byte) (Registry, error) {
	var doc map[string]linkValue
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	r := make(Registry, len(doc))
	for key, value := range doc {
		id, err := ParseUserID(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		accountID, err := NormalizeAccountID(value.UUID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		record := LinkRecord{UserID: id, AccountName: value.Name, AccountID: accountID}
		if err := record.Validate(); err != nil {
			return nil, err
		}
		r[id] = record
	}
	return r, nil
}

// RegistryBackend is the durable document store behind a LinkStore.
type RegistryBackend interface {
	// Load returns nil, nil when no document has been saved yet.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// LinkStore owns the process-wide link registry. Every read and every
// read-modify-persist sequence goes through its mutex.
type LinkStore struct {
	sync.Mutex

	logger   *zap.Logger
	backend  RegistryBackend
	registry Registry
}

func NewLinkStore(logger *zap.Logger, backend RegistryBackend) *LinkStore {
	return &LinkStore{
		logger:   logger.With(zap.String("module", "link_store")),
		backend:  backend,
		registry: make(Registry),
	}
}

// LoadRegistry reads the backend. A missing or corrupt document yields an empty
// registry; the failure is logged and never returned.
func LoadRegistry(ctx context.Context, logger *zap.Logger, backend RegistryBackend) Registry {
	data, err := backend.Load(ctx)
	if err != nil {
		logger.Warn("Failed to read link registry, starting empty", zap.Error(err))
		return make(Registry)
	}
	if data == nil {
		logger.Info("No link registry found, starting empty")
		return make(Registry)
	}
	r, err := DecodeRegistry(data)
	if err != nil {
		logger.Warn("Link registry is corrupt, starting empty", zap.Error(err))
		return make(Registry)
	}
	logger.Info("Loaded link registry", zap.Int("links", len(r)))
	return r
}

// Load replaces the in-memory registry with the durable one and returns the link count.
func (s *LinkStore) Load(ctx context.Context) int {
	r := LoadRegistry(ctx, s.logger, s.backend)
	s.Lock()
	defer s.Unlock()
	s.registry = r
	return len(r)
}

// Save persists the full registry.
func (s *LinkStore) Save(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	return s.saveLocked(ctx)
}

func (s *LinkStore) saveLocked(ctx context.Context) error {
	data, err := EncodeRegistry(s.registry)
	if err != nil {
		s.logger.Error("Failed to encode link registry", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := s.backend.Save(ctx, data); err != nil {
		s.logger.Error("Failed to save link registry", zap.Int("links", len(s.registry)), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	s.logger.Debug("Saved link registry", zap.Int("links", len(s.registry)))
	return nil
}

// Mutate runs fn against the registry under the lock and persists when fn reports a change.
// A persistence failure leaves the in-memory edit in place.
func (s *LinkStore) Mutate(ctx context.Context, fn func(r Registry) (changed bool)) error {
	s.Lock()
	defer s.Unlock()
	if !fn(s.registry) {
		return nil
	}
	return s.saveLocked(ctx)
}

func (s *LinkStore) Get(id UserID) (LinkRecord, bool) {
	s.Lock()
	defer s.Unlock()
	record, ok := s.registry[id]
	return record, ok
}

func (s *LinkStore) Snapshot() Registry {
	s.Lock()
	defer s.Unlock()
	return s.registry.Clone()
}

func (s *LinkStore) Len() int {
	s.Lock()
	defer s.Unlock()
	return len(s.registry)
}

// IsPersistenceError reports whether err came from a failed registry save.
func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistence)
}
