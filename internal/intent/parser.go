package intent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const maxInputBytes = 4096

// Parsing errors. Only malformed input errors; anything recognizable
// degrades to ActionUnknown instead.
var (
	ErrEmptyInput   = errors.New("input is empty or whitespace-only")
	ErrInputTooLong = fmt.Errorf("input exceeds %d bytes", maxInputBytes)
)

// Parser scores utterances against an ordered pattern table.
type Parser struct {
	ConfidenceThreshold    float64
	ClarificationThreshold float64

	patterns []actionPattern
}

type actionPattern struct {
	action Action
	re     *regexp.Regexp
	weight float64
	// slots this action cannot execute without
	mandatory []string
}

// saturationWeight normalizes summed pattern weights into [0,1].
const saturationWeight = 1.4

// NewParser builds a parser with the default rule set and thresholds.
func NewParser() *Parser {
	return &Parser{
		ConfidenceThreshold:    0.7,
		ClarificationThreshold: 0.4,
		patterns: []actionPattern{
			{ActionFundCard, regexp.MustCompile(`\b(add|load|put|fund|deposit|top\s?up)\b.*\b(card|wallet)\b`), 1.2, []string{"amount"}},
			{ActionFreezeCard, regexp.MustCompile(`\b(freeze|lock|pause|disable|block)\b.*\bcard\b`), 1.3, nil},
			{ActionCreateCard, regexp.MustCompile(`\b(create|new|make|open|issue)\b.*\bcard\b`), 1.3, nil},
			{ActionTransfer, regexp.MustCompile(`\b(send|transfer|pay|wire)\b`), 1.1, []string{"amount", "target"}},
			{ActionSwap, regexp.MustCompile(`\b(swap|convert|exchange)\b`), 1.2, []string{"amount"}},
			{ActionCheckBalance, regexp.MustCompile(`\b(balance|how much (do i have|is left|money)|my funds)\b`), 1.3, nil},
			{ActionQuery, regexp.MustCompile(`^(what|how|why|when|where|who|can|could|tell me|explain|is |are |do |does )`), 0.6, nil},
		},
	}
}

var (
	controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	multiSpace   = regexp.MustCompile(`\s+`)

	// "$1,000.50", "50.25", "1000 usd"
	numericAmount = regexp.MustCompile(`(?:\$\s*)?(\d{1,3}(?:,\d{3})+|\d+)(\.\d+)?`)
	currencyWord  = regexp.MustCompile(`\b(usd|usdc|usdt|eth|btc|sol|dollars?|bucks)\b`)
	dollarSign    = regexp.MustCompile(`\$\s*\d`)
	targetCapture = regexp.MustCompile(`\bto\s+(?:my\s+)?([a-z0-9_.-]+)`)
	sourceCapture = regexp.MustCompile(`\bfrom\s+(?:my\s+)?([a-z0-9_.-]+)`)
)

// spelled-out small amounts ("fifty dollars")
var wordAmounts = map[string]int64{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
	"hundred": 100, "thousand": 1000,
}

// Parse maps raw text to an intent and, when confidence is insufficient or a
// mandatory slot is missing, a clarification. recentTargets seeds
// clarification options from the user's history and may be nil.
//
// Parse only errors on malformed input (empty or oversized); every other
// input produces an intent, degrading to ActionUnknown with confidence 0.
func (p *Parser) Parse(raw string, recentTargets []string) (*Intent, bool, *Clarification, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, false, nil, ErrEmptyInput
	}
	if len(raw) > maxInputBytes {
		return nil, false, nil, ErrInputTooLong
	}

	text := normalize(raw)

	// Score every pattern; collect matches.
	type match struct {
		pattern actionPattern
		weight  float64
	}
	var matches []match
	total := 0.0
	for _, pat := range p.patterns {
		if pat.re.MatchString(text) {
			matches = append(matches, match{pat, pat.weight})
			total += pat.weight
		}
	}

	if len(matches) == 0 {
		it := newIntent(ActionUnknown, raw)
		return it, false, nil, nil
	}

	// Slot extraction happens once; tie-breaks need it.
	amount, currency := parseAmount(text)
	target := captureGroup(targetCapture, text)
	source := captureGroup(sourceCapture, text)

	// Pick the winner: highest weight, ties broken in favor of the pattern
	// whose mandatory slots are all present, then by table order.
	best := matches[0]
	for _, m := range matches[1:] {
		switch {
		case m.weight > best.weight:
			best = m
		case m.weight == best.weight && !slotsSatisfied(best.pattern, amount, target) && slotsSatisfied(m.pattern, amount, target):
			best = m
		}
	}

	it := newIntent(best.pattern.action, raw)
	it.Amount = amount
	it.Currency = currency
	it.TargetType = target
	it.SourceType = source
	if amount != nil {
		it.Parameters["amount"] = amount.String()
	}
	if currency != "" {
		it.Parameters["currency"] = currency
	}
	if target != "" {
		it.Parameters["target"] = target
	}
	if source != "" {
		it.Parameters["source"] = source
	}

	confidence := total / saturationWeight
	if confidence > 1 {
		confidence = 1
	}

	// A missing mandatory slot caps confidence below the execution
	// threshold so the caller is forced through clarification.
	missing := missingSlot(best.pattern, amount, target)
	if missing != "" && confidence >= p.ConfidenceThreshold {
		confidence = p.ConfidenceThreshold - 0.1
	}
	it.Confidence = confidence

	if confidence >= p.ConfidenceThreshold {
		return it, false, nil, nil
	}
	if confidence >= p.ClarificationThreshold {
		c := p.clarify(it, missing, recentTargets)
		return it, true, c, nil
	}

	// Too ambiguous to even ask a useful question.
	it.Action = ActionUnknown
	it.Confidence = confidence
	return it, false, nil, nil
}

func (p *Parser) clarify(it *Intent, missing string, recentTargets []string) *Clarification {
	switch missing {
	case "amount":
		verb := "proceed with"
		switch it.Action {
		case ActionTransfer:
			verb = "send"
		case ActionFundCard:
			verb = "add"
		case ActionSwap:
			verb = "swap"
		}
		return &Clarification{
			Question: fmt.Sprintf("How much would you like to %s?", verb),
			Options:  []string{"$10", "$50", "$100"},
			Blocking: true,
		}
	case "target":
		opts := recentTargets
		if len(opts) > 4 {
			opts = opts[:4]
		}
		return &Clarification{
			Question: "Who should receive it?",
			Options:  opts,
			Blocking: true,
		}
	default:
		return &Clarification{
			Question: fmt.Sprintf("Did you want to %s?", strings.ReplaceAll(string(it.Action), "_", " ")),
			Blocking: true,
		}
	}
}

func slotsSatisfied(pat actionPattern, amount *decimal.Decimal, target string) bool {
	return missingSlot(pat, amount, target) == ""
}

func missingSlot(pat actionPattern, amount *decimal.Decimal, target string) string {
	for _, slot := range pat.mandatory {
		switch slot {
		case "amount":
			if amount == nil {
				return "amount"
			}
		case "target":
			if target == "" {
				return "target"
			}
		}
	}
	return ""
}

func normalize(raw string) string {
	text := strings.ToLower(raw)
	text = controlChars.ReplaceAllString(text, " ")
	text = multiSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// parseAmount extracts a decimal amount and an optional currency. It accepts
// "$50", "50 usd", "$1,000.50" and small spelled-out amounts ("fifty
// dollars"). The returned decimal round-trips through String().
func parseAmount(text string) (*decimal.Decimal, string) {
	currency := ""
	if m := currencyWord.FindString(text); m != "" {
		switch m {
		case "dollar", "dollars", "bucks":
			currency = "USD"
		default:
			currency = strings.ToUpper(m)
		}
	}
	if currency == "" && dollarSign.MatchString(text) {
		currency = "USD"
	}

	if m := numericAmount.FindStringSubmatch(text); m != nil {
		digits := strings.ReplaceAll(m[1], ",", "") + m[2]
		d, err := decimal.NewFromString(digits)
		if err == nil {
			return &d, currency
		}
	}

	// spelled-out: "fifty dollars", "two hundred usd"
	words := strings.Fields(text)
	var value int64
	found := false
	for _, w := range words {
		n, ok := wordAmounts[w]
		if !ok {
			continue
		}
		if found && (n == 100 || n == 1000) {
			value *= n
			continue
		}
		value += n
		found = true
	}
	if found && currency != "" {
		d := decimal.NewFromInt(value)
		return &d, currency
	}
	return nil, currency
}

func captureGroup(re *regexp.Regexp, text string) string {
	if m := re.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}
