package server

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	aliceID = "11111111-1111-1111-1111-111111111111"
	bobID   = "22222222-2222-2222-2222-222222222222"
	carolID = "33333333-3333-3333-3333-333333333333"

	allowedRole RoleID = 1001
	adminRole   RoleID = 2002
	otherRole   RoleID = 3003
)

var testPolicy = NewPolicy([]RoleID{allowedRole}, []RoleID{adminRole})

func NewTestLogger() *zap.Logger {
	return NewJSONLogger(os.Stdout, zapcore.ErrorLevel, JSONFormat)
}

type fakeResolver struct {
	mu    sync.Mutex
	names map[string][2]string // lowercase raw name -> canonical name, id
	err   error
	calls int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{names: map[string][2]string{
		"alice": {"Alice", aliceID},
		"bob":   {"Bob", bobID},
		"carol": {"Carol", carolID},
	}}
}

func (r *fakeResolver) Resolve(ctx context.Context, rawName string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", "", r.err
	}
	v, ok := r.names[strings.ToLower(rawName)]
	if !ok {
		return "", "", ErrNameNotFound
	}
	return v[0], v[1], nil
}

type whitelistCall struct {
	Action      WhitelistAction
	AccountName string
}

type fakeWhitelist struct {
	mu     sync.Mutex
	calls  []whitelistCall
	fail   map[string]bool
	onCall func(call whitelistCall)
}

func newFakeWhitelist() *fakeWhitelist {
	return &fakeWhitelist{fail: make(map[string]bool)}
}

func (w *fakeWhitelist) Add(ctx context.Context, accountName string) WhitelistResult {
	return w.record(WhitelistAdd, accountName)
}

func (w *fakeWhitelist) Remove(ctx context.Context, accountName string) WhitelistResult {
	return w.record(WhitelistRemove, accountName)
}

func (w *fakeWhitelist) record(action WhitelistAction, accountName string) WhitelistResult {
	call := whitelistCall{Action: action, AccountName: accountName}
	w.mu.Lock()
	w.calls = append(w.calls, call)
	failed := w.fail[accountName]
	hook := w.onCall
	w.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	result := WhitelistResult{Action: action, AccountName: accountName, OK: !failed}
	if failed {
		result.Err = ErrRemoteControl
	}
	return result
}

func (w *fakeWhitelist) Calls() []whitelistCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]whitelistCall(nil), w.calls...)
}

type fakeMembers struct {
	mu       sync.Mutex
	roles    map[UserID][]RoleID
	errs     map[UserID]error
	lookups  int
	onLookup func(userID UserID)
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{roles: make(map[UserID][]RoleID), errs: make(map[UserID]error)}
}

func (m *fakeMembers) CurrentRoles(ctx context.Context, userID UserID) ([]RoleID, error) {
	m.mu.Lock()
	hook := m.onLookup
	m.mu.Unlock()
	if hook != nil {
		hook(userID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if err := m.errs[userID]; err != nil {
		return nil, err
	}
	roles, ok := m.roles[userID]
	if !ok {
		return nil, ErrNotAMember
	}
	return roles, nil
}

func (m *fakeMembers) set(userID UserID, roles ...RoleID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[userID] = roles
}

// failingBackend refuses every save.
type failingBackend struct {
	MemoryBackend
}

func (b *failingBackend) Save(ctx context.Context, data []byte) error {
	return errors.New("disk full")
}

type testHarness struct {
	reconciler *Reconciler
	store      *LinkStore
	backend    RegistryBackend
	resolver   *fakeResolver
	whitelist  *fakeWhitelist
	members    *fakeMembers
	metrics    *Metrics
}

func newTestHarness(t *testing.T, records ...LinkRecord) *testHarness {
	t.Helper()
	return newTestHarnessWithBackend(t, NewMemoryBackend(), records...)
}

func newTestHarnessWithBackend(t *testing.T, backend RegistryBackend, records ...LinkRecord) *testHarness {
	t.Helper()
	logger := NewTestLogger()
	store := NewLinkStore(logger, backend)
	for _, record := range records {
		store.registry.Upsert(record)
	}
	h := &testHarness{
		store:     store,
		backend:   backend,
		resolver:  newFakeResolver(),
		whitelist: newFakeWhitelist(),
		members:   newFakeMembers(),
		metrics:   NewMetrics(),
	}
	h.reconciler = NewReconciler(logger, h.metrics, store, h.resolver, h.whitelist, h.members, testPolicy)
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
