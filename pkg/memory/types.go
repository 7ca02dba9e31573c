package memory

import "time"

// RelationshipType classifies how the assistant relates to a user.
type RelationshipType string

const (
	TypeStranger RelationshipType = "stranger"
	TypeFriend   RelationshipType = "friend"
	TypeTrusted  RelationshipType = "trusted"
	TypeMaster   RelationshipType = "master"
)

// Rank orders relationship types for privilege gating. Unknown types rank
// below stranger.
func (t RelationshipType) Rank() int {
	switch t {
	case TypeStranger:
		return 1
	case TypeFriend:
		return 2
	case TypeTrusted:
		return 3
	case TypeMaster:
		return 4
	default:
		return 0
	}
}

// User is the per-identity relationship record. The identity key is opaque
// and platform-scoped (e.g. "discord:123456").
type User struct {
	ID               string
	Score            int
	Type             RelationshipType
	TypeOverride     RelationshipType
	Notes            string
	InteractionCount int
	CreatedAtMS      int64
	UpdatedAtMS      int64
}

// EffectiveType returns the administrative override when set, otherwise the
// score-derived type.
func (u User) EffectiveType() RelationshipType {
	if u.TypeOverride != "" {
		return u.TypeOverride
	}
	return u.Type
}

// Entry roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one immutable record in a user's append-only conversation log.
// IDs are ULIDs, so lexicographic order matches insertion order.
type Entry struct {
	ID        string
	UserID    string
	Role      string
	Content   string
	Tags      map[string]string
	CreatedAt time.Time
}

// OutboxMessage is a durable outbound platform message awaiting delivery.
type OutboxMessage struct {
	ID          int64
	Platform    string
	TargetID    string
	Content     string
	Kind        string
	CreatedAtMS int64
	Sent        bool
}
