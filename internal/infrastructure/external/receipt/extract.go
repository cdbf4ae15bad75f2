package receipt

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

var (
	moneyPattern = regexp.MustCompile(`\$?\s?(\d{1,3}(?:,\d{3})+|\d+)\.(\d{2})\b`)
	totalLine    = regexp.MustCompile(`(?i)\b(grand\s+total|total\s+due|amount\s+due|total|balance)\b`)
	skipLine     = regexp.MustCompile(`(?i)\b(subtotal|sub-total|tax|tip|change|cash)\b`)
	dateLayouts  = []struct {
		pattern *regexp.Regexp
		layout  string
	}{
		{regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`), "2006-01-02"},
		{regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{4})\b`), "1/2/2006"},
		{regexp.MustCompile(`\b([A-Z][a-z]{2} \d{1,2}, \d{4})\b`), "Jan 2, 2006"},
	}
)

// Extract pulls total, merchant and date out of receipt text
func Extract(text string) *entity.ReceiptEvidence {
	ev := &entity.ReceiptEvidence{Text: text}
	lines := nonEmptyLines(text)

	found := 0
	if total, ok := findTotal(lines); ok {
		ev.TotalCents = total
		found++
	}
	if len(lines) > 0 && !moneyPattern.MatchString(lines[0]) {
		ev.Merchant = lines[0]
		found++
	}
	if d, ok := findDate(text); ok {
		ev.Date = &d
		found++
	}
	ev.Confidence = float64(found) / 3
	return ev
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// findTotal prefers the last amount on a total line, else the largest amount
func findTotal(lines []string) (int64, bool) {
	var labelled, largest int64
	for _, l := range lines {
		amounts := moneyPattern.FindAllStringSubmatch(l, -1)
		if len(amounts) == 0 {
			continue
		}
		last := toCents(amounts[len(amounts)-1])
		if totalLine.MatchString(l) && !skipLine.MatchString(l) {
			labelled = last
		}
		for _, m := range amounts {
			if c := toCents(m); c > largest {
				largest = c
			}
		}
	}
	if labelled > 0 {
		return labelled, true
	}
	return largest, largest > 0
}

func toCents(m []string) int64 {
	whole, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return 0
	}
	frac, _ := strconv.ParseInt(m[2], 10, 64)
	return whole*100 + frac
}

func findDate(text string) (time.Time, bool) {
	for _, d := range dateLayouts {
		if m := d.pattern.FindStringSubmatch(text); m != nil {
			if t, err := time.Parse(d.layout, m[1]); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
