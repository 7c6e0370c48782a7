package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	aliceRecord = LinkRecord{UserID: 42, AccountName: "Alice", AccountID: aliceID}
	bobRecord   = LinkRecord{UserID: 99, AccountName: "Bob", AccountID: bobID}
)

func TestReconcilerResyncRemovesUserWithoutRole(t *testing.T) {
	h := newTestHarness(t, aliceRecord)
	h.members.set(42, otherRole)

	outcome := h.reconciler.Resync(context.Background(), []RoleID{adminRole})
	assert.Equal(t, 0, outcome.Added)
	assert.Equal(t, 1, outcome.Removed)
	assert.Equal(t, 0, outcome.Failed)
	assert.Equal(t, 1, outcome.Total)
	assert.False(t, outcome.Forbidden)
	assert.Equal(t, []whitelistCall{{WhitelistRemove, "Alice"}}, h.whitelist.Calls())
	assert.Contains(t, outcome.Message(), "➖ Removed: 1")
}

func TestReconcilerLinkWhitelists(t *testing.T) {
	h := newTestHarness(t)

	outcome := h.reconciler.Link(context.Background(), 99, "Bob", []RoleID{allowedRole})
	assert.Equal(t, LinkWhitelisted, outcome.Status)
	assert.Equal(t, "linked_whitelisted", outcome.Status.String())
	assert.Nil(t, outcome.Previous)
	require.NotNil(t, outcome.Whitelist)
	assert.True(t, outcome.Whitelist.OK)

	record, ok := h.store.Get(99)
	require.True(t, ok)
	assert.Equal(t, bobRecord, record)
	assert.Equal(t, []whitelistCall{{WhitelistAdd, "Bob"}}, h.whitelist.Calls())
	assert.Equal(t, "Linked to **Bob** and whitelisted.", outcome.Message())

	// The link was persisted before returning.
	data, err := h.backend.Load(context.Background())
	require.NoError(t, err)
	persisted, err := DecodeRegistry(data)
	require.NoError(t, err)
	assert.Contains(t, persisted, UserID(99))
}

func TestReconcilerLinkWithoutRole(t *testing.T) {
	h := newTestHarness(t)

	outcome := h.reconciler.Link(context.Background(), 99, "bob", []RoleID{otherRole})
	assert.Equal(t, LinkOnly, outcome.Status)
	assert.Nil(t, outcome.Whitelist)
	assert.Empty(t, h.whitelist.Calls())
	assert.Equal(t, 1, h.store.Len())
	assert.Equal(t, "Linked to **Bob**. You'll be whitelisted once you have the role.", outcome.Message())
}

func TestReconcilerLinkInvalidName(t *testing.T) {
	h := newTestHarness(t, aliceRecord)
	before := h.store.Snapshot()

	outcome := h.reconciler.Link(context.Background(), 99, "NoSuchName", []RoleID{allowedRole})
	assert.Equal(t, LinkInvalidName, outcome.Status)
	assert.True(t, errors.Is(outcome.ResolveErr, ErrNameNotFound))
	assert.Equal(t, before, h.store.Snapshot())
	assert.Empty(t, h.whitelist.Calls())
	assert.Equal(t, "That is not a valid Minecraft username. Please try again.", outcome.Message())
}

func TestReconcilerLinkResolverOutage(t *testing.T) {
	h := newTestHarness(t)
	h.resolver.err = errors.New("503 service unavailable")

	outcome := h.reconciler.Link(context.Background(), 99, "Bob", []RoleID{allowedRole})
	assert.Equal(t, LinkInvalidName, outcome.Status)
	assert.Error(t, outcome.ResolveErr)
	assert.Zero(t, h.store.Len())
}

func TestReconcilerLinkUnlinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, roles := range [][]RoleID{{allowedRole}, {otherRole}, nil} {
		t.Run(fmt.Sprint(roles), func(t *testing.T) {
			h := newTestHarness(t, aliceRecord)

			h.reconciler.Link(ctx, 99, "Bob", roles)
			outcome := h.reconciler.Unlink(ctx, 99)
			assert.True(t, outcome.Removed)
			assert.Equal(t, "Unlinked and removed **Bob** from whitelist.", outcome.Message())

			_, ok := h.store.Get(99)
			assert.False(t, ok)
			assert.Equal(t, 1, h.store.Len())

			calls := h.whitelist.Calls()
			assert.Equal(t, whitelistCall{WhitelistRemove, "Bob"}, calls[len(calls)-1])
		})
	}
}

func TestReconcilerUnlinkWithoutLink(t *testing.T) {
	h := newTestHarness(t, aliceRecord)

	outcome := h.reconciler.Unlink(context.Background(), 99)
	assert.False(t, outcome.Removed)
	assert.Equal(t, "You don't have a link set.", outcome.Message())
	assert.Empty(t, h.whitelist.Calls())
	assert.Equal(t, 1, h.store.Len())
}

func TestReconcilerRelinkOverwrites(t *testing.T) {
	h := newTestHarness(t, aliceRecord)

	outcome := h.reconciler.Link(context.Background(), 42, "Bob", []RoleID{allowedRole})
	assert.Equal(t, LinkWhitelisted, outcome.Status)
	require.NotNil(t, outcome.Previous)
	assert.Equal(t, "Alice", outcome.Previous.AccountName)
	assert.Equal(t, 1, h.store.Len())

	record, _ := h.store.Get(42)
	assert.Equal(t, "Bob", record.AccountName)
	// The previous account is left on the whitelist.
	assert.Equal(t, []whitelistCall{{WhitelistAdd, "Bob"}}, h.whitelist.Calls())
}

func TestReconcilerLinkPersistFailure(t *testing.T) {
	h := newTestHarnessWithBackend(t, &failingBackend{})

	outcome := h.reconciler.Link(context.Background(), 99, "Bob", []RoleID{allowedRole})
	assert.Equal(t, LinkWhitelisted, outcome.Status)
	assert.True(t, IsPersistenceError(outcome.PersistErr))
	_, ok := h.store.Get(99)
	assert.True(t, ok)
}

func TestReconcilerResyncNonAdmin(t *testing.T) {
	h := newTestHarness(t, aliceRecord, bobRecord)
	h.members.set(42, allowedRole)
	before := h.store.Snapshot()

	for _, roles := range [][]RoleID{nil, {allowedRole}, {otherRole}} {
		outcome := h.reconciler.Resync(context.Background(), roles)
		assert.True(t, outcome.Forbidden)
		assert.Equal(t, "Admins only.", outcome.Message())
	}
	assert.Empty(t, h.whitelist.Calls())
	assert.Zero(t, h.members.lookups)
	assert.Equal(t, before, h.store.Snapshot())
}

func TestReconcilerResyncCountsEveryUser(t *testing.T) {
	records := make([]LinkRecord, 0, 10)
	for i := 1; i <= 10; i++ {
		records = append(records, LinkRecord{
			UserID:      UserID(i),
			AccountName: fmt.Sprintf("Player%d", i),
			AccountID:   fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
		})
	}
	h := newTestHarness(t, records...)
	for i := 1; i <= 10; i++ {
		switch i % 3 {
		case 0:
			h.members.set(UserID(i), allowedRole)
		case 1:
			h.members.set(UserID(i), otherRole)
		}
		// i%3 == 2 is not a member.
	}
	h.members.errs[4] = errors.New("discord unavailable")
	h.whitelist.fail["Player3"] = true
	h.whitelist.fail["Player5"] = true

	outcome := h.reconciler.ResyncAll(context.Background())
	assert.Equal(t, 10, outcome.Total)
	assert.Equal(t, 10, outcome.Processed())
	assert.Len(t, h.whitelist.Calls(), 10)
	assert.Equal(t, 10, h.members.lookups)
	assert.Equal(t, 2, outcome.Failed)
	// 6 and 9 keep access; 3 had access but failed.
	assert.Equal(t, 2, outcome.Added)
	assert.Equal(t, 6, outcome.Removed)
	assert.False(t, outcome.Canceled)
}

func TestReconcilerResyncCanceled(t *testing.T) {
	records := make([]LinkRecord, 0, 5)
	for i := 1; i <= 5; i++ {
		records = append(records, LinkRecord{
			UserID:      UserID(i),
			AccountName: fmt.Sprintf("Player%d", i),
			AccountID:   fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
		})
	}
	h := newTestHarness(t, records...)
	for i := 1; i <= 5; i++ {
		h.members.set(UserID(i), allowedRole)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.whitelist.onCall = func(call whitelistCall) {
		if call.AccountName == "Player2" {
			cancel()
		}
	}

	outcome := h.reconciler.ResyncAll(ctx)
	assert.True(t, outcome.Canceled)
	assert.Equal(t, 5, outcome.Total)
	assert.Equal(t, 2, outcome.Added)
	assert.Equal(t, 2, outcome.Processed())
	assert.Len(t, h.whitelist.Calls(), 2)
	assert.Contains(t, outcome.Message(), "canceled after 2 of 5")
}

func TestReconcilerRoleChange(t *testing.T) {
	ctx := context.Background()

	t.Run("no-op when access is unchanged", func(t *testing.T) {
		h := newTestHarness(t, aliceRecord)
		for _, access := range []bool{true, false} {
			for _, id := range []UserID{42, 99} {
				outcome := h.reconciler.ObserveRoleChange(ctx, id, access, access)
				assert.Equal(t, RoleChangeNone, outcome.Action)
			}
		}
		assert.Empty(t, h.whitelist.Calls())
	})

	t.Run("no-op for unlinked user", func(t *testing.T) {
		h := newTestHarness(t, aliceRecord)
		outcome := h.reconciler.ObserveRoleChange(ctx, 99, false, true)
		assert.Equal(t, RoleChangeNone, outcome.Action)
		assert.Empty(t, h.whitelist.Calls())
	})

	t.Run("gain and loss", func(t *testing.T) {
		h := newTestHarness(t, aliceRecord)

		outcome := h.reconciler.HandleRoleChange(ctx, 42, []RoleID{otherRole}, []RoleID{otherRole, allowedRole})
		assert.Equal(t, RoleChangeAdded, outcome.Action)
		assert.Equal(t, "Whitelisted **Alice**.", outcome.Message())

		outcome = h.reconciler.HandleRoleChange(ctx, 42, []RoleID{allowedRole}, nil)
		assert.Equal(t, RoleChangeRemoved, outcome.Action)

		assert.Equal(t, []whitelistCall{{WhitelistAdd, "Alice"}, {WhitelistRemove, "Alice"}}, h.whitelist.Calls())
	})

	t.Run("admin role alone is not access", func(t *testing.T) {
		h := newTestHarness(t, aliceRecord)
		outcome := h.reconciler.HandleRoleChange(ctx, 42, nil, []RoleID{adminRole})
		assert.Equal(t, RoleChangeNone, outcome.Action)
	})
}

func TestReconcilerResyncKeepsConcurrentUnlink(t *testing.T) {
	h := newTestHarness(t, aliceRecord)
	h.members.set(42, allowedRole)

	ctx := context.Background()
	unlinked := make(chan UnlinkOutcome, 1)
	var once sync.Once
	h.members.onLookup = func(userID UserID) {
		once.Do(func() {
			go func() { unlinked <- h.reconciler.Unlink(ctx, 42) }()
		})
	}

	outcome := h.reconciler.ResyncAll(ctx)
	unlink := <-unlinked
	assert.True(t, unlink.Removed)

	_, linked := h.store.Get(42)
	assert.False(t, linked)
	// The unlink waits for the resync directive, so its removal lands last.
	assert.Equal(t, []whitelistCall{{WhitelistAdd, "Alice"}, {WhitelistRemove, "Alice"}}, h.whitelist.Calls())
	assert.Equal(t, 1, outcome.Added)
	assert.Equal(t, 1, outcome.Total)
}

func TestReconcilerResyncSkipsUserUnlinkedMidRun(t *testing.T) {
	h := newTestHarness(t, aliceRecord, bobRecord)
	h.members.set(42, allowedRole)
	h.members.set(99, allowedRole)

	ctx := context.Background()
	h.members.onLookup = func(userID UserID) {
		if userID == 42 {
			h.reconciler.Unlink(ctx, 99)
		}
	}

	outcome := h.reconciler.ResyncAll(ctx)
	assert.Equal(t, []whitelistCall{{WhitelistRemove, "Bob"}, {WhitelistAdd, "Alice"}}, h.whitelist.Calls())
	assert.Equal(t, 1, outcome.Added)
	assert.Equal(t, 1, outcome.Processed())
	assert.Equal(t, 2, outcome.Total)
	assert.False(t, outcome.Canceled)
	assert.Equal(t, 1, h.members.lookups)
}

func TestReconcilerResyncUsesCurrentLinkAfterRelink(t *testing.T) {
	h := newTestHarness(t, aliceRecord, bobRecord)
	h.members.set(42, allowedRole)
	h.members.set(99, allowedRole)

	ctx := context.Background()
	h.members.onLookup = func(userID UserID) {
		if userID == 42 {
			relink := h.reconciler.Link(ctx, 99, "carol", nil)
			require.Equal(t, LinkOnly, relink.Status)
		}
	}

	outcome := h.reconciler.ResyncAll(ctx)
	assert.Equal(t, []whitelistCall{{WhitelistAdd, "Alice"}, {WhitelistAdd, "Carol"}}, h.whitelist.Calls())
	assert.Equal(t, 2, outcome.Added)
}

func TestReconcilerResyncCanceledDuringDirective(t *testing.T) {
	h := newTestHarness(t, aliceRecord)
	h.members.set(42, allowedRole)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.whitelist.fail["Alice"] = true
	h.whitelist.onCall = func(call whitelistCall) {
		cancel()
	}

	outcome := h.reconciler.ResyncAll(ctx)
	assert.True(t, outcome.Canceled)
	assert.Zero(t, outcome.Failed)
	assert.Zero(t, outcome.Processed())
	assert.Equal(t, 1, outcome.Total)
	assert.Len(t, h.whitelist.Calls(), 1)
}
