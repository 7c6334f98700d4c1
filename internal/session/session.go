// Package session keeps per-session conversation context and per-user state
// in memory. Nothing here is durable: sessions expire on a TTL and are swept,
// user state optionally survives eviction but lives only as long as the
// process.
package session

import (
	"time"

	"github.com/veilpay/brain/internal/intent"
)

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCallRecord notes a tool invocation made while handling a turn.
type ToolCallRecord struct {
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
}

// Turn is a single conversation entry.
type Turn struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Intent    *intent.Intent   `json:"intent,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}

// ConfirmationMode controls when plans require an approval gate.
type ConfirmationMode string

const (
	ConfirmAlways   ConfirmationMode = "always"
	ConfirmHighRisk ConfirmationMode = "high_risk"
	ConfirmNever    ConfirmationMode = "never"
)

// Preferences are per-user settings that shape plan construction.
type Preferences struct {
	Language         string           `json:"language"`
	Timezone         string           `json:"timezone"`
	ConfirmationMode ConfirmationMode `json:"confirmation_mode"`
	Verbosity        string           `json:"verbosity"`
}

const recentMerchantCap = 10

// UserState is per-user memory shared across that user's sessions. The
// Manager guards each live instance with a per-user lock; values handed out
// of the package are always clones.
type UserState struct {
	UserID            string         `json:"user_id"`
	WalletAddress     string         `json:"wallet_address,omitempty"`
	CardID            string         `json:"card_id,omitempty"`
	PreferredCurrency string         `json:"preferred_currency,omitempty"`
	RecentMerchants   []string       `json:"recent_merchants,omitempty"`
	ActionCounts      map[string]int `json:"action_counts,omitempty"`
	Prefs             Preferences    `json:"preferences"`
}

func newUserState(userID string) *UserState {
	return &UserState{
		UserID:       userID,
		ActionCounts: make(map[string]int),
		Prefs: Preferences{
			Language:         "en",
			ConfirmationMode: ConfirmHighRisk,
			Verbosity:        "normal",
		},
	}
}

// RecordMerchant appends to the recent-merchants ring buffer.
func (u *UserState) RecordMerchant(name string) {
	if name == "" {
		return
	}
	u.RecentMerchants = append(u.RecentMerchants, name)
	if len(u.RecentMerchants) > recentMerchantCap {
		u.RecentMerchants = u.RecentMerchants[len(u.RecentMerchants)-recentMerchantCap:]
	}
}

// RecordAction bumps the frequency counter for an intent action.
func (u *UserState) RecordAction(action intent.Action) {
	u.ActionCounts[string(action)]++
}

func (u *UserState) clone() *UserState {
	cp := *u
	cp.RecentMerchants = append([]string(nil), u.RecentMerchants...)
	cp.ActionCounts = make(map[string]int, len(u.ActionCounts))
	for k, v := range u.ActionCounts {
		cp.ActionCounts[k] = v
	}
	return &cp
}

// Context is one session's conversation state. The owning Manager is the
// sole mutator; readers get Snapshot copies.
type Context struct {
	SessionID               string
	UserID                  string
	CreatedAt               time.Time
	LastActivityAt          time.Time
	ExpiresAt               time.Time
	History                 []Turn
	ActiveIntentIDs         map[string]struct{}
	PendingClarificationIDs map[string]struct{}
}

// Snapshot is an immutable point-in-time copy of a session.
type Snapshot struct {
	SessionID      string
	UserID         string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	History        []Turn
	State          UserState
}
