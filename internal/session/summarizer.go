package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Summarizer folds a prefix of conversation turns into one system turn's
// content. Implementations must be failure-tolerant: an error falls back to
// the lightweight summarizer, never blocks the append path.
type Summarizer interface {
	Summarize(turns []Turn) (string, error)
}

// summaryPayload is the machine-readable body of a summary turn.
type summaryPayload struct {
	KeyTopics         []string  `json:"key_topics,omitempty"`
	RecentIntents     []string  `json:"recent_intents,omitempty"`
	ImportantEntities []string  `json:"important_entities,omitempty"`
	SummarizedAt      time.Time `json:"summarized_at"`
	OriginalTurnCount int       `json:"original_turn_count"`
	Previous          string    `json:"previous_summary,omitempty"`
}

// LightweightSummarizer concatenates intent actions and mentioned targets.
// No model, no I/O; this is the default.
type LightweightSummarizer struct{}

func (s LightweightSummarizer) Summarize(turns []Turn) (string, error) {
	return s.mustSummarize(turns), nil
}

func (s LightweightSummarizer) mustSummarize(turns []Turn) string {
	p := summaryPayload{
		SummarizedAt:      time.Now(),
		OriginalTurnCount: len(turns),
	}

	seenIntent := map[string]bool{}
	seenEntity := map[string]bool{}
	for _, t := range turns {
		// An existing summary prefix folds into the new one.
		if t.Role == RoleSystem && strings.HasPrefix(t.Content, summaryMarker) {
			p.Previous = t.Content
			p.OriginalTurnCount--
			continue
		}
		if t.Intent == nil {
			continue
		}
		a := string(t.Intent.Action)
		if !seenIntent[a] {
			seenIntent[a] = true
			p.RecentIntents = append(p.RecentIntents, a)
		}
		if tgt := t.Intent.TargetType; tgt != "" && !seenEntity[tgt] {
			seenEntity[tgt] = true
			p.ImportantEntities = append(p.ImportantEntities, tgt)
		}
	}
	p.KeyTopics = p.RecentIntents

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%s{\"original_turn_count\":%d}", summaryMarker, len(turns))
	}
	return summaryMarker + string(body)
}

// summaryMarker prefixes summary turns so later passes can recognize them.
const summaryMarker = "conversation-summary:"

// IsSummaryTurn reports whether a turn is a summarizer product.
func IsSummaryTurn(t Turn) bool {
	return t.Role == RoleSystem && strings.HasPrefix(t.Content, summaryMarker)
}
