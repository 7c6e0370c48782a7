package server

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is what the reconciler reports back for a request; Message is the
// text shown to the requesting user.
type Outcome interface {
	Message() string
}

type LinkStatus int

const (
	LinkInvalidName LinkStatus = iota
	LinkOnly
	LinkWhitelisted
)

func (s LinkStatus) String() string {
	switch s {
	case LinkInvalidName:
		return "invalid_name"
	case LinkOnly:
		return "linked"
	case LinkWhitelisted:
		return "linked_whitelisted"
	}
	return fmt.Sprintf("LinkStatus(%d)", int(s))
}

type LinkOutcome struct {
	Status     LinkStatus
	Record     LinkRecord
	Previous   *LinkRecord // set when an existing link was replaced
	Whitelist  *WhitelistResult
	ResolveErr error
	PersistErr error
}

func (o LinkOutcome) Message() string {
	switch o.Status {
	case LinkWhitelisted:
		return fmt.Sprintf("Linked to **%s** and whitelisted.", o.Record.AccountName)
	case LinkOnly:
		return fmt.Sprintf("Linked to **%s**. You'll be whitelisted once you have the role.", o.Record.AccountName)
	default:
		return "That is not a valid Minecraft username. Please try again."
	}
}

type UnlinkOutcome struct {
	Removed    bool
	Record     LinkRecord
	Whitelist  *WhitelistResult
	PersistErr error
}

func (o UnlinkOutcome) Message() string {
	if !o.Removed {
		return "You don't have a link set."
	}
	return fmt.Sprintf("Unlinked and removed **%s** from whitelist.", o.Record.AccountName)
}

type ResyncOutcome struct {
	Forbidden bool
	Busy      bool // another resync was already running
	Canceled  bool

	Added    int
	Removed  int
	Failed   int
	Total    int
	Duration time.Duration
}

// Processed is the number of users a directive was issued for.
func (o ResyncOutcome) Processed() int {
	return o.Added + o.Removed + o.Failed
}

func (o ResyncOutcome) Message() string {
	switch {
	case o.Forbidden:
		return "Admins only."
	case o.Busy:
		return "A whitelist sync is already running."
	}
	var b strings.Builder
	if o.Canceled {
		fmt.Fprintf(&b, "⚠️ Sync canceled after %d of %d links:\n", o.Processed(), o.Total)
	} else {
		b.WriteString("✅ Sync complete:\n")
	}
	fmt.Fprintf(&b, "➕ Added: %d\n", o.Added)
	fmt.Fprintf(&b, "➖ Removed: %d\n", o.Removed)
	fmt.Fprintf(&b, "⚠️ Failed: %d\n", o.Failed)
	fmt.Fprintf(&b, "📦 Total links: %d", o.Total)
	return b.String()
}

type RoleChangeAction string

const (
	RoleChangeNone    RoleChangeAction = "none"
	RoleChangeAdded   RoleChangeAction = "added"
	RoleChangeRemoved RoleChangeAction = "removed"
)

type RoleChangeOutcome struct {
	Action    RoleChangeAction
	Record    LinkRecord
	Whitelist *WhitelistResult
}

func (o RoleChangeOutcome) Message() string {
	switch o.Action {
	case RoleChangeAdded:
		return fmt.Sprintf("Whitelisted **%s**.", o.Record.AccountName)
	case RoleChangeRemoved:
		return fmt.Sprintf("Removed **%s** from whitelist.", o.Record.AccountName)
	}
	return ""
}
