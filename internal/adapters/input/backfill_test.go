package input

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedLines(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "line-%03d\n", i)
	}
	return b.String()
}

func asStrings(lines [][]byte) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}

func TestBackfill(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		n         int
		blockSize int
		maxChunks int
		want      []string
		wantEnd   int64
	}{
		{
			name:      "fewer lines than requested",
			content:   numberedLines(3),
			n:         10,
			blockSize: 4096,
			maxChunks: 1024,
			want:      []string{"line-000", "line-001", "line-002"},
			wantEnd:   27,
		},
		{
			name:      "last n in one block",
			content:   numberedLines(10),
			n:         2,
			blockSize: 4096,
			maxChunks: 1024,
			want:      []string{"line-008", "line-009"},
			wantEnd:   90,
		},
		{
			name:      "spanning small blocks",
			content:   numberedLines(10),
			n:         4,
			blockSize: 7,
			maxChunks: 1024,
			want:      []string{"line-006", "line-007", "line-008", "line-009"},
			wantEnd:   90,
		},
		{
			name:      "trailing partial line excluded",
			content:   numberedLines(5) + `{"partial":`,
			n:         2,
			blockSize: 4,
			maxChunks: 1024,
			want:      []string{"line-003", "line-004"},
			wantEnd:   45,
		},
		{
			name:      "chunk cap drops incomplete head",
			content:   numberedLines(10),
			n:         50,
			blockSize: 10,
			maxChunks: 3,
			want:      []string{"line-007", "line-008", "line-009"},
			wantEnd:   90,
		},
		{
			name:      "single unterminated line",
			content:   `{"event_type":"alert"`,
			n:         5,
			blockSize: 4096,
			maxChunks: 1024,
			want:      []string{},
			wantEnd:   0,
		},
		{
			name:      "empty file",
			content:   "",
			n:         5,
			blockSize: 4096,
			maxChunks: 1024,
			want:      []string{},
			wantEnd:   0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := bytes.NewReader([]byte(tc.content))
			lines, end, err := backfill(src, int64(len(tc.content)), tc.n, tc.blockSize, tc.maxChunks)
			require.NoError(t, err)
			assert.Equal(t, tc.want, asStrings(lines))
			assert.Equal(t, tc.wantEnd, end)
		})
	}
}

func TestBackfillZeroReturnsEnd(t *testing.T) {
	content := numberedLines(4)
	lines, end, err := backfill(bytes.NewReader([]byte(content)), int64(len(content)), 0, 4096, 1024)
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Equal(t, int64(len(content)), end)
}
