// Package chat is the conversation engine: it decides whether to answer a
// sender, resolves the persona used for the answer, keeps a bounded
// history per conversation and turns an incoming message into a
// multi-modal prompt for the generator.
//
// All state lives in an Engine; there are no package-level tables.
package chat

import (
	"strings"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
)

// Scope tells which override table and key prefix apply to a sender.
type Scope int

const (
	ScopeIndividual Scope = iota
	ScopeGroup
)

func (s Scope) String() string {
	if s == ScopeGroup {
		return "group"
	}
	return "user"
}

// ParseScope accepts "user", "individual" and "group".
func ParseScope(s string) (Scope, bool) {
	switch strings.ToLower(s) {
	case "user", "individual":
		return ScopeIndividual, true
	case "group":
		return ScopeGroup, true
	}
	return ScopeIndividual, false
}

// groupSuffix is the server part of WhatsApp group addresses.
const groupSuffix = "@g.us"

// Sender is a scoped identity. For individuals ID is the digits-only
// number; for groups it is the raw group address.
type Sender struct {
	Scope Scope
	ID    string
}

// Individual returns the individual sender for a raw number or address.
func Individual(raw string) Sender {
	return Sender{Scope: ScopeIndividual, ID: NormalizeNumber(raw)}
}

// Group returns the group sender for a group address.
func Group(addr string) Sender {
	return Sender{Scope: ScopeGroup, ID: strings.TrimSpace(addr)}
}

// NewSender builds a sender of the given scope from a raw id.
func NewSender(scope Scope, raw string) Sender {
	if scope == ScopeGroup {
		return Group(raw)
	}
	return Individual(raw)
}

// SenderOf returns the conversation-level sender of a message: the group
// for group messages, the author otherwise.
func SenderOf(msg *channels.IncomingMessage) Sender {
	if msg.IsGroup {
		return Group(msg.ChatID)
	}
	return Individual(msg.From)
}

// ParticipantOf returns the individual who wrote the message, also inside
// groups.
func ParticipantOf(msg *channels.IncomingMessage) Sender {
	return Individual(msg.From)
}

// TargetID is the key of the sender's role assignment.
func (s Sender) TargetID() string {
	return s.Scope.String() + "_" + s.ID
}

// ConversationID is the key of the sender's conversation record. It uses
// the same scheme as TargetID but addresses a different document type.
func (s Sender) ConversationID() string {
	return s.Scope.String() + "_" + s.ID
}

// Valid reports whether the sender has a usable id.
func (s Sender) Valid() bool {
	return s.ID != ""
}

// NormalizeNumber reduces a sender address like "5511999:12@s.whatsapp.net"
// to its digits ("5511999").
func NormalizeNumber(raw string) string {
	user := strings.TrimSpace(raw)
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return onlyDigits(user)
}

// IsGroupAddress reports whether addr is a group address.
func IsGroupAddress(addr string) bool {
	return strings.HasSuffix(addr, groupSuffix)
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isAllDigits reports whether s is a non-empty run of ASCII digits.
func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
