package ai

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

var (
	amountPattern   = regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?|(\d+(?:\.\d{1,2})?)\s?(?:usd|dollars?)\b`)
	merchantPattern = regexp.MustCompile(`\b(?:[Aa]t|[Ff]rom)\s+([A-Z0-9][\w&'.-]*(?:\s+[A-Z0-9][\w&'.-]*){0,3})`)
)

// HeuristicParser extracts expense fields from free text with regular
// expressions and the categorizer keyword map. It is the offline fallback for
// the language-model parser.
type HeuristicParser struct{}

// NewHeuristicParser creates the regex-based parser
func NewHeuristicParser() *HeuristicParser {
	return &HeuristicParser{}
}

// Parse never fails; unknown fields are left empty with low confidence
func (p *HeuristicParser) Parse(ctx context.Context, text string) (*entity.ParsedExpense, error) {
	out := &entity.ParsedExpense{
		Description: strings.TrimSpace(text),
		Source:      "heuristic",
	}

	found := 0
	if cents, ok := parseAmount(text); ok {
		out.AmountCents = &cents
		found++
	}
	if m := merchantPattern.FindStringSubmatch(text); m != nil {
		out.Merchant = strings.TrimRight(m[1], ".,")
		found++
	}
	if c, hits := KeywordHits(text); hits > 0 {
		out.Category = &c
		found++
	}
	out.Confidence = 0.2 + 0.2*float64(found)
	return out, nil
}

func parseAmount(text string) (int64, bool) {
	m := amountPattern.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return 0, false
	}
	raw := m[3]
	if m[1] != "" {
		raw = strings.ReplaceAll(m[1], ",", "")
		if m[2] != "" {
			raw += "." + m[2]
		}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return entity.AmountToCents(v), true
}
