// Package receipt reads uploaded receipt documents in memory and extracts the
// evidence used by receipt verification. Documents are never written to disk.
package receipt

import (
	"context"
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// DefaultMaxPages limits how much of a document is scanned
const DefaultMaxPages = 3

// MaxBytes is the largest receipt accepted
const MaxBytes = 10 << 20

// Reader extracts text from PDF receipts with MuPDF
type Reader struct {
	maxPages int
	logger   *zap.Logger
}

var _ port.ReceiptReader = (*Reader)(nil)

// NewReader creates a receipt reader
func NewReader(maxPages int, logger *zap.Logger) *Reader {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Reader{maxPages: maxPages, logger: logger}
}

// Read opens the document from memory and parses its text
func (r *Reader) Read(ctx context.Context, data []byte) (*entity.ReceiptEvidence, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty receipt")
	}
	if len(data) > MaxBytes {
		return nil, fmt.Errorf("receipt exceeds %d bytes", MaxBytes)
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt: %w", err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages > r.maxPages {
		pages = r.maxPages
	}

	var text strings.Builder
	for i := 0; i < pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageText, err := doc.Text(i)
		if err != nil {
			r.logger.Warn("Failed to extract receipt page text", zap.Int("page", i), zap.Error(err))
			continue
		}
		text.WriteString(pageText)
		text.WriteByte('\n')
	}

	evidence := Extract(text.String())
	r.logger.Debug("Receipt read",
		zap.Int("pages", pages),
		zap.Int64("total_cents", evidence.TotalCents),
		zap.Float64("confidence", evidence.Confidence))
	return evidence, nil
}
