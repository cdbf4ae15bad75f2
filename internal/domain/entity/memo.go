package entity

import (
	"fmt"
	"strings"
)

// MemoBytes is the size of the on-chain memo field
const MemoBytes = 32

// Memo is the structured rationale attached to a payout
type Memo struct {
	RiskScore   float64
	Category    Category
	Decision    string
	AmountCents int64
	Agent       string
	Approvers   []string
}

// String renders the human-readable memo stored with the expense
func (m Memo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk=%.2f | Category=%s | Decision=%s | Amount=%s | Agent=%s",
		m.RiskScore, m.Category, m.Decision, FormatCents(m.AmountCents), m.Agent)
	if len(m.Approvers) > 0 {
		fmt.Fprintf(&b, " | Approvers=%s", strings.Join(m.Approvers, ">"))
	}
	return b.String()
}

var compactDecisions = map[string]string{
	StatusAutoApproved: "auto",
	StatusApproved:     "appr",
}

// Compact squeezes the memo into MemoBytes for the ledger memo field,
// e.g. "R=0.10|C=meal|D=auto|$45".
func (m Memo) Compact() string {
	cat := string(m.Category)
	if len(cat) > 4 {
		cat = cat[:4]
	}
	dec, ok := compactDecisions[m.Decision]
	if !ok {
		dec = m.Decision
		if len(dec) > 4 {
			dec = dec[:4]
		}
	}
	s := fmt.Sprintf("R=%.2f|C=%s|D=%s|$%d", m.RiskScore, cat, dec, m.AmountCents/100)
	if len(s) > MemoBytes {
		s = s[:MemoBytes]
	}
	return s
}

// CompactBytes returns the compact memo zero-padded to MemoBytes
func (m Memo) CompactBytes() [MemoBytes]byte {
	var out [MemoBytes]byte
	copy(out[:], m.Compact())
	return out
}
