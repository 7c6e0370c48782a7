package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MembershipSource looks up a user's current guild roles.
type MembershipSource interface {
	// CurrentRoles returns ErrNotAMember when the user has left the guild.
	CurrentRoles(ctx context.Context, userID UserID) ([]RoleID, error)
}

// Reconciler drives every state transition of the link registry and the
// remote whitelist. It is the single owner of the LinkStore.
type Reconciler struct {
	logger  *zap.Logger
	metrics *Metrics

	store     *LinkStore
	resolver  NameResolver
	whitelist Whitelist
	members   MembershipSource
	policy    Policy

	accounts accountLocks
}

// accountLocks serializes, per user, a registry read or write with the whitelist
// directive issued for it. Different users never wait on each other.
type accountLocks struct {
	sync.Mutex
	locks map[UserID]*accountLock
}

type accountLock struct {
	sync.Mutex
	refs int
}

func (l *accountLocks) lock(id UserID) (unlock func()) {
	l.Lock()
	if l.locks == nil {
		l.locks = make(map[UserID]*accountLock)
	}
	al, ok := l.locks[id]
	if !ok {
		al = &accountLock{}
		l.locks[id] = al
	}
	al.refs++
	l.Unlock()

	al.Lock()
	return func() {
		al.Unlock()
		l.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, id)
		}
		l.Unlock()
	}
}

func NewReconciler(logger *zap.Logger, metrics *Metrics, store *LinkStore, resolver NameResolver, whitelist Whitelist, members MembershipSource, policy Policy) *Reconciler {
	return &Reconciler{
		logger:    logger.With(zap.String("module", "reconciler")),
		metrics:   metrics,
		store:     store,
		resolver:  resolver,
		whitelist: whitelist,
		members:   members,
		policy:    policy,
	}
}

func (r *Reconciler) Policy() Policy {
	return r.policy
}

func (r *Reconciler) Store() *LinkStore {
	return r.store
}

// Link resolves rawName, records the link and whitelists the account when the
// user currently holds an allowed role.
func (r *Reconciler) Link(ctx context.Context, userID UserID, rawName string, roles []RoleID) LinkOutcome {
	logger := r.logger.With(zap.String("discord_id", userID.String()), zap.String("raw_name", rawName))

	accountName, accountID, err := r.resolver.Resolve(ctx, rawName)
	if err != nil {
		if errors.Is(err, ErrNameNotFound) {
			logger.Info("Link rejected, name not found")
		} else {
			logger.Warn("Link rejected, name resolution failed", zap.Error(err))
		}
		outcome := LinkOutcome{Status: LinkInvalidName, ResolveErr: err}
		r.metrics.CountLink(outcome.Status)
		return outcome
	}

	record := LinkRecord{UserID: userID, AccountName: accountName, AccountID: accountID}
	outcome := LinkOutcome{Record: record}
	logger = logger.With(zap.String("account_name", accountName), zap.String("account_id", accountID))

	unlock := r.accounts.lock(userID)
	defer unlock()

	var (
		previous LinkRecord
		replaced bool
	)
	if err := r.store.Mutate(ctx, func(reg Registry) bool {
		previous, replaced = reg.Upsert(record)
		return true
	}); err != nil {
		r.metrics.CountPersistFailure()
		outcome.PersistErr = err
	}
	r.metrics.SetRegistrySize(r.store.Len())

	if replaced {
		outcome.Previous = &previous
		if previous.AccountName != accountName {
			// The old name stays on the remote whitelist until it is removed by hand.
			logger.Warn("Re-link replaced a different account; previous whitelist entry is left in place", zap.String("previous_account_name", previous.AccountName))
		}
	}

	if !EvaluateAccess(roles, r.policy) {
		outcome.Status = LinkOnly
		logger.Info("Linked account without whitelist access")
		r.metrics.CountLink(outcome.Status)
		return outcome
	}

	result := r.whitelist.Add(ctx, accountName)
	outcome.Status = LinkWhitelisted
	outcome.Whitelist = &result
	logger.Info("Linked account and whitelisted", zap.Bool("whitelist_ok", result.OK))
	r.metrics.CountLink(outcome.Status)
	return outcome
}

// Unlink removes the user's link and takes its account off the whitelist.
func (r *Reconciler) Unlink(ctx context.Context, userID UserID) UnlinkOutcome {
	logger := r.logger.With(zap.String("discord_id", userID.String()))

	unlock := r.accounts.lock(userID)
	defer unlock()

	var (
		outcome UnlinkOutcome
		record  LinkRecord
		removed bool
	)
	if err := r.store.Mutate(ctx, func(reg Registry) bool {
		record, removed = reg.Remove(userID)
		return removed
	}); err != nil {
		r.metrics.CountPersistFailure()
		outcome.PersistErr = err
	}
	r.metrics.CountUnlink(removed)

	if !removed {
		logger.Debug("Unlink requested without a link")
		return outcome
	}
	r.metrics.SetRegistrySize(r.store.Len())

	outcome.Removed = true
	outcome.Record = record
	result := r.whitelist.Remove(ctx, record.AccountName)
	outcome.Whitelist = &result
	logger.Info("Unlinked account", zap.String("account_name", record.AccountName), zap.Bool("whitelist_ok", result.OK))
	return outcome
}

// Resync reconciles every linked user against the whitelist. Only callers
// holding an admin role may run it.
func (r *Reconciler) Resync(ctx context.Context, requesterRoles []RoleID) ResyncOutcome {
	if !EvaluateAdmin(requesterRoles, r.policy) {
		r.logger.Info("Resync refused", zap.Error(ErrPermissionDenied))
		outcome := ResyncOutcome{Forbidden: true}
		r.metrics.CountResync(outcome)
		return outcome
	}
	return r.ResyncAll(ctx)
}

// ResyncAll is the unchecked resync used by the periodic scheduler. Cancelling
// ctx stops further directives and returns the counters gathered so far. Users
// unlinked after the run started are counted in Total only.
func (r *Reconciler) ResyncAll(ctx context.Context) ResyncOutcome {
	start := time.Now()
	records := r.store.Snapshot().Records()
	outcome := ResyncOutcome{Total: len(records)}
	r.metrics.SetRegistrySize(len(records))

	r.logger.Info("Resync started", zap.Int("links", len(records)))

	for _, record := range records {
		if ctx.Err() != nil {
			outcome.Canceled = true
			break
		}
		step := r.resyncUser(ctx, record.UserID)
		if step == resyncCanceled {
			outcome.Canceled = true
			break
		}
		switch step {
		case resyncAdded:
			outcome.Added++
		case resyncRemoved:
			outcome.Removed++
		case resyncFailed:
			outcome.Failed++
		}
	}

	outcome.Duration = time.Since(start)
	r.metrics.CountResync(outcome)
	r.logger.Info("Resync finished",
		zap.Int("added", outcome.Added),
		zap.Int("removed", outcome.Removed),
		zap.Int("failed", outcome.Failed),
		zap.Int("total", outcome.Total),
		zap.Bool("canceled", outcome.Canceled),
		zap.Duration("duration", outcome.Duration),
	)
	return outcome
}

type resyncStep int

const (
	resyncSkipped resyncStep = iota
	resyncAdded
	resyncRemoved
	resyncFailed
	resyncCanceled
)

// resyncUser re-reads the user's link under its account lock, so a concurrent
// unlink or re-link is never undone, then issues the directive the user's
// current roles call for. A user unlinked since the snapshot is skipped.
func (r *Reconciler) resyncUser(ctx context.Context, userID UserID) resyncStep {
	unlock := r.accounts.lock(userID)
	defer unlock()

	record, ok := r.store.Get(userID)
	if !ok {
		r.logger.Debug("User unlinked during resync, skipping", zap.String("discord_id", userID.String()))
		return resyncSkipped
	}
	logger := r.logger.With(zap.String("discord_id", userID.String()), zap.String("account_name", record.AccountName))

	roles, err := r.members.CurrentRoles(ctx, userID)
	if ctx.Err() != nil {
		return resyncCanceled
	}
	if err != nil {
		if errors.Is(err, ErrNotAMember) {
			logger.Debug("User is no longer a member")
		} else {
			logger.Warn("Membership lookup failed, treating as ineligible", zap.Error(err))
		}
		roles = nil
	}

	var result WhitelistResult
	access := EvaluateAccess(roles, r.policy)
	if access {
		result = r.whitelist.Add(ctx, record.AccountName)
	} else {
		result = r.whitelist.Remove(ctx, record.AccountName)
	}

	switch {
	case !result.OK && ctx.Err() != nil:
		logger.Debug("Resync directive aborted by cancellation", zap.String("action", string(result.Action)))
		return resyncCanceled
	case !result.OK:
		logger.Warn("Resync directive failed", zap.String("action", string(result.Action)), zap.Error(result.Err))
		return resyncFailed
	case access:
		return resyncAdded
	default:
		return resyncRemoved
	}
}

// ObserveRoleChange applies an access change for a linked user. Nothing happens
// when access did not change or the user has no link.
func (r *Reconciler) ObserveRoleChange(ctx context.Context, userID UserID, hadAccess, hasAccess bool) RoleChangeOutcome {
	if hadAccess == hasAccess {
		r.metrics.CountRoleChange(string(RoleChangeNone))
		return RoleChangeOutcome{Action: RoleChangeNone}
	}

	unlock := r.accounts.lock(userID)
	defer unlock()

	record, ok := r.store.Get(userID)
	if !ok {
		r.metrics.CountRoleChange(string(RoleChangeNone))
		return RoleChangeOutcome{Action: RoleChangeNone}
	}

	logger := r.logger.With(zap.String("discord_id", userID.String()), zap.String("account_name", record.AccountName))

	var outcome RoleChangeOutcome
	var result WhitelistResult
	if hasAccess {
		logger.Info("User gained access, whitelisting")
		outcome.Action = RoleChangeAdded
		result = r.whitelist.Add(ctx, record.AccountName)
	} else {
		logger.Info("User lost access, removing from whitelist")
		outcome.Action = RoleChangeRemoved
		result = r.whitelist.Remove(ctx, record.AccountName)
	}
	outcome.Record = record
	outcome.Whitelist = &result
	r.metrics.CountRoleChange(string(outcome.Action))
	return outcome
}

// HandleRoleChange evaluates both role sets against the policy and applies the difference.
func (r *Reconciler) HandleRoleChange(ctx context.Context, userID UserID, before, after []RoleID) RoleChangeOutcome {
	return r.ObserveRoleChange(ctx, userID, EvaluateAccess(before, r.policy), EvaluateAccess(after, r.policy))
}
