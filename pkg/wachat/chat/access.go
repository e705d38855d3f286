package chat

import (
	"log/slog"
)

// AccessLevel is the permission level of a sender for chat commands.
type AccessLevel string

const (
	AccessOwner  AccessLevel = "owner"
	AccessAdmin  AccessLevel = "admin"
	AccessPublic AccessLevel = "public"
)

func (l AccessLevel) rank() int {
	switch l {
	case AccessOwner:
		return 2
	case AccessAdmin:
		return 1
	default:
		return 0
	}
}

// Allows reports whether level l may run a command requiring required.
func (l AccessLevel) Allows(required AccessLevel) bool {
	return l.rank() >= required.rank()
}

// AccessConfig lists privileged numbers. Entries may be plain numbers or
// full addresses; they are normalized to digits.
type AccessConfig struct {
	Owners []string `yaml:"owners"`
	Admins []string `yaml:"admins"`
}

// Access maps senders to access levels. Owners are implicitly admins.
type Access struct {
	owners map[string]bool
	admins map[string]bool
}

// NewAccess builds the access table from config.
func NewAccess(cfg AccessConfig, logger *slog.Logger) *Access {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Access{
		owners: make(map[string]bool),
		admins: make(map[string]bool),
	}
	for _, o := range cfg.Owners {
		if n := NormalizeNumber(o); n != "" {
			a.owners[n] = true
		}
	}
	for _, ad := range cfg.Admins {
		if n := NormalizeNumber(ad); n != "" {
			a.admins[n] = true
		}
	}
	if len(a.owners) == 0 {
		logger.Warn("no owners configured, owner commands are disabled", "component", "access")
	}
	return a
}

// Level returns the access level of a raw sender address.
func (a *Access) Level(from string) AccessLevel {
	n := NormalizeNumber(from)
	switch {
	case n == "":
		return AccessPublic
	case a.owners[n]:
		return AccessOwner
	case a.admins[n]:
		return AccessAdmin
	}
	return AccessPublic
}
