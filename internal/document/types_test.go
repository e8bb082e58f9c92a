package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatFromName(t *testing.T) {
	tests := []struct {
		name   string
		want   Format
		wantOK bool
	}{
		{"report.PDF", FormatPDF, true},
		{"gs://bucket/policies/water.docx", FormatDOCX, true},
		{"notes.txt", FormatText, true},
		{"README", FormatText, true},
		{"image.png", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := FormatFromName(tc.name)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateProcessing.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
}

func TestFormatValid(t *testing.T) {
	assert.True(t, FormatPDF.Valid())
	assert.False(t, Format("html").Valid())
}
