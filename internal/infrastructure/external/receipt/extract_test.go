package receipt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		total      int64
		merchant   string
		date       string
		confidence float64
	}{
		{
			name:  "labelled total wins over larger line",
			text:  "Blue Bottle Coffee\n2026-03-14 08:12\nLatte 5.50\nCatering tray 60.00\nSubtotal 65.50\nTax 5.24\nTotal $70.74\nCash 100.00\n",
			total: 7074, merchant: "Blue Bottle Coffee", date: "2026-03-14", confidence: 1,
		},
		{
			name:  "largest amount without label",
			text:  "  \nUber Trip\nMar 2, 2026\nBase fare 12.00\nSurge 1,204.50\n",
			total: 120450, merchant: "Uber Trip", date: "2026-03-02", confidence: 1,
		},
		{
			name:  "us date and no merchant line",
			text:  "$18.20\n3/7/2026\n",
			total: 1820, date: "2026-03-07", confidence: 2.0 / 3,
		},
		{
			name: "nothing recognisable",
			text: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Extract(tt.text)
			assert.Equal(t, tt.total, ev.TotalCents)
			assert.Equal(t, tt.merchant, ev.Merchant)
			if tt.date == "" {
				assert.Nil(t, ev.Date)
			} else {
				require.NotNil(t, ev.Date)
				assert.Equal(t, tt.date, ev.Date.Format(time.DateOnly))
			}
			assert.InDelta(t, tt.confidence, ev.Confidence, 1e-9)
		})
	}
}

func TestReader_RejectsUnreadableInput(t *testing.T) {
	r := NewReader(0, zap.NewNop())
	_, err := r.Read(context.Background(), nil)
	assert.Error(t, err)
	_, err = r.Read(context.Background(), make([]byte, MaxBytes+1))
	assert.Error(t, err)

	// MuPDF may repair garbage into an empty document; either way nothing is extracted
	ev, err := r.Read(context.Background(), []byte("definitely not a pdf"))
	if err == nil {
		assert.Zero(t, ev.TotalCents)
	}
}
