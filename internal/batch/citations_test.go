package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/citation-checker/internal/errors"
)

func TestParseCitations(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "one per line",
			text: "Smith (2020). A.\n  Doe (2019). B.  \n\n",
			want: []string{"Smith (2020). A.", "Doe (2019). B."},
		},
		{
			name: "blank line blocks join wrapped lines",
			text: "Smith, J. (2020).\nA long title.\n\nDoe, A. (2019).\nAnother title.\r\n",
			want: []string{"Smith, J. (2020). A long title.", "Doe, A. (2019). Another title."},
		},
		{
			name: "leading blank lines do not switch to blocks",
			text: "\n\nfirst\nsecond",
			want: []string{"first", "second"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCitations(tt.text, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCitations_Rejects(t *testing.T) {
	_, err := ParseCitations("   \n\n ", 10)
	require.Error(t, err)
	assert.True(t, apperrors.IsUserError(err))

	_, err = ParseCitations("a\nb\nc", 2)
	require.Error(t, err)
	assert.Equal(t, 400, apperrors.GetHTTPStatusCode(err))

	got, err := ParseCitations("a\nb", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
