// Package intent maps raw user text to a structured Intent. Parsing is pure
// pattern matching over a fixed, ordered rule set (no network, no model
// call), so it is deterministic and cheap enough to run on every utterance.
package intent

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action is the user-visible operation an utterance asks for.
type Action string

const (
	ActionFundCard     Action = "fund_card"
	ActionTransfer     Action = "transfer"
	ActionSwap         Action = "swap"
	ActionCreateCard   Action = "create_card"
	ActionFreezeCard   Action = "freeze_card"
	ActionCheckBalance Action = "check_balance"
	ActionQuery        Action = "query"
	ActionUnknown      Action = "unknown"
)

// Intent is one parsed request.
type Intent struct {
	ID         string                 `json:"intent_id"`
	Action     Action                 `json:"action"`
	SourceType string                 `json:"source_type,omitempty"`
	TargetType string                 `json:"target_type,omitempty"`
	Amount     *decimal.Decimal       `json:"amount,omitempty"`
	Currency   string                 `json:"currency,omitempty"`
	RawText    string                 `json:"raw_text"`
	Confidence float64                `json:"confidence"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Clarification is a structured follow-up question for a low-confidence or
// under-specified intent. At most one is open per intent.
type Clarification struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Blocking bool     `json:"blocking"`
}

func newIntent(action Action, raw string) *Intent {
	return &Intent{
		ID:         uuid.New().String(),
		Action:     action,
		RawText:    raw,
		Parameters: make(map[string]interface{}),
	}
}
