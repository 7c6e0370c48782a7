package server

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresBackendOpenError(t *testing.T) {
	backend, err := NewPostgresBackend("postgres://localhost/mc")
	require.NoError(t, err)

	opens := 0
	backend.openDB = func(driverName, dsn string) (*sql.DB, error) {
		opens++
		assert.Equal(t, "pgx", driverName)
		return nil, errors.New("boom")
	}

	_, err = backend.Load(context.Background())
	assert.ErrorContains(t, err, "boom")
	err = backend.Save(context.Background(), []byte("{}"))
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, opens)
	assert.NoError(t, backend.Close())
}

func TestNewPostgresBackendEmptyDSN(t *testing.T) {
	_, err := NewPostgresBackend("  ")
	assert.Error(t, err)
}

func TestPostgresBackendIntegration(t *testing.T) {
	dsn := os.Getenv("MCWHITELIST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MCWHITELIST_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	backend, err := NewPostgresBackend(dsn)
	require.NoError(t, err)
	backend.documentKey = "links-test-" + t.Name()
	defer backend.Close()

	data, err := backend.Load(ctx)
	require.NoError(t, err)
	if data != nil {
		t.Logf("found leftover document, overwriting")
	}

	store := NewLinkStore(NewTestLogger(), backend)
	require.NoError(t, store.Mutate(ctx, func(r Registry) bool {
		r.Upsert(LinkRecord{UserID: 42, AccountName: "Alice", AccountID: aliceID})
		return true
	}))

	reloaded := NewLinkStore(NewTestLogger(), backend)
	assert.Equal(t, 1, reloaded.Load(ctx))
	record, ok := reloaded.Get(42)
	require.True(t, ok)
	assert.Equal(t, "Alice", record.AccountName)
	assert.Equal(t, aliceID, record.AccountID)
}
