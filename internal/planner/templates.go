package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/internal/intent"
	"github.com/veilpay/brain/internal/session"
	"github.com/veilpay/brain/internal/tools"
)

// ErrNotPlannable marks intents that resolve to a direct reply instead of an
// execution plan (balance queries, general questions, unknown).
var ErrNotPlannable = errors.New("intent does not map to a plan template")

// stepTemplate is one node of a plan template. DependsOn refers to template
// indices; ids are assigned at instantiation.
type stepTemplate struct {
	action      StepAction
	description string
	dependsOn   []int
	optional    bool
	// params derives the step's arguments from the intent and user state.
	params func(in *intent.Intent, st *session.UserState) tools.Params
}

// planTemplates maps transactional intent actions to their step sequences.
// Every template fronts the side-effecting step with an enclave verification
// of the intent itself.
var planTemplates = map[intent.Action][]stepTemplate{
	intent.ActionFundCard: {
		{
			action:      ActionVerifyWithSoul,
			description: "verify funding intent with the enclave",
			params:      verifyParams,
		},
		{
			action:      ActionFundCard,
			description: "fund the card from the wallet",
			dependsOn:   []int{0},
			params: func(in *intent.Intent, st *session.UserState) tools.Params {
				p := baseParams(in, st)
				p["source_type"] = "wallet"
				p["source_id"] = st.WalletAddress
				return p
			},
		},
	},
	intent.ActionTransfer: {
		{
			action:      ActionVerifyWithSoul,
			description: "verify transfer intent with the enclave",
			params:      verifyParams,
		},
		{
			action:      ActionCheckBalance,
			description: "confirm the source balance covers the amount",
			dependsOn:   []int{0},
			params: func(in *intent.Intent, st *session.UserState) tools.Params {
				p := baseParams(in, st)
				if in.Amount != nil {
					p["minimum_required"] = in.Amount.String()
				}
				return p
			},
		},
		{
			action:      ActionExecuteTransfer,
			description: "move the funds to the destination",
			dependsOn:   []int{1},
			params: func(in *intent.Intent, st *session.UserState) tools.Params {
				p := baseParams(in, st)
				p["source_card_id"] = st.CardID
				p["destination_type"] = "card"
				p["destination_id"] = target(in)
				return p
			},
		},
	},
	intent.ActionSwap: {
		{
			action:      ActionVerifyWithSoul,
			description: "verify swap intent with the enclave",
			params:      verifyParams,
		},
		{
			action:      ActionExecuteSwap,
			description: "execute the asset swap",
			dependsOn:   []int{0},
			params:      baseParams,
		},
	},
	intent.ActionCreateCard: {
		{
			action:      ActionVerifyWithSoul,
			description: "verify card creation with the enclave",
			params:      verifyParams,
		},
		{
			action:      ActionCreateCard,
			description: "provision a new card",
			dependsOn:   []int{0},
			params:      baseParams,
		},
		{
			action:      ActionNotifyUser,
			description: "tell the user about the new card",
			dependsOn:   []int{1},
			optional:    true,
			params:      baseParams,
		},
	},
	intent.ActionFreezeCard: {
		{
			action:      ActionVerifyWithSoul,
			description: "verify freeze request with the enclave",
			params:      verifyParams,
		},
		{
			action:      ActionFreezeCard,
			description: "freeze the card",
			dependsOn:   []int{0},
			params:      baseParams,
		},
	},
}

func verifyParams(in *intent.Intent, st *session.UserState) tools.Params {
	return tools.Params{
		"intent":  in,
		"user_id": st.UserID,
	}
}

func baseParams(in *intent.Intent, st *session.UserState) tools.Params {
	p := tools.Params{
		"user_id":        st.UserID,
		"card_id":        st.CardID,
		"wallet_address": st.WalletAddress,
	}
	if in.Amount != nil {
		p["amount"] = in.Amount.String()
	}
	if in.Currency != "" {
		p["currency"] = in.Currency
	}
	if t := target(in); t != "" {
		p["target"] = t
	}
	return p
}

func target(in *intent.Intent) string {
	if t, ok := in.Parameters["target"].(string); ok {
		return t
	}
	return ""
}

// NewPlanFromIntent instantiates the template for an intent's action. The
// user's confirmation mode decides which steps get an approval gate: "always"
// gates every tool-backed step except the verification, "high_risk" gates
// sensitive actions only, "never" gates nothing.
func NewPlanFromIntent(in *intent.Intent, sessionID string, st *session.UserState, cfg config.PlannerConfig) (*Plan, error) {
	tmpl, ok := planTemplates[in.Action]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", in.Action, ErrNotPlannable)
	}

	plan := &Plan{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		UserID:     st.UserID,
		Intent:     in,
		Status:     PlanPending,
		CreatedAt:  time.Now(),
		TotalSteps: len(tmpl),
	}

	ids := make([]string, len(tmpl))
	for i := range tmpl {
		ids[i] = uuid.New().String()
	}

	mode := st.Prefs.ConfirmationMode
	for i, t := range tmpl {
		spec := actionTable[t.action]
		deps := make([]string, 0, len(t.dependsOn))
		for _, d := range t.dependsOn {
			deps = append(deps, ids[d])
		}

		approval := false
		switch mode {
		case session.ConfirmAlways:
			approval = spec.tool != "" && t.action != ActionVerifyWithSoul
		case session.ConfirmNever:
			approval = false
		default:
			approval = spec.sensitive
		}

		plan.Steps = append(plan.Steps, &Step{
			ID:                       ids[i],
			PlanID:                   plan.ID,
			Sequence:                 i,
			Action:                   t.action,
			Description:              t.description,
			Parameters:               t.params(in, st),
			DependsOn:                deps,
			RequiresSoulVerification: t.action == ActionVerifyWithSoul,
			RequiresApproval:         approval,
			Optional:                 t.optional,
			Status:                   StepPending,
			MaxRetries:               cfg.MaxRetries,
		})
		if approval {
			plan.RequiresApproval = true
		}
	}
	return plan, nil
}
