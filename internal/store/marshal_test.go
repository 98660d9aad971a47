package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalMetadata_SortedKeys(t *testing.T) {
	got, err := marshalMetadata(map[string]string{"z": "1", "a": "<b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<b>","z":"1"}`, got)
}

func TestMarshalMetadata_Empty(t *testing.T) {
	got, err := marshalMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", got)

	md, err := unmarshalMetadata(got)
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestUnmarshalIndices_Empty(t *testing.T) {
	got, err := unmarshalIndices("[]")
	require.NoError(t, err)
	assert.Equal(t, []int{}, got)

	_, err = unmarshalIndices("not json")
	assert.Error(t, err)
}

func TestFromNanos_UTC(t *testing.T) {
	local := time.Date(2026, 3, 4, 5, 6, 7, 8, time.FixedZone("X", 3600))
	got := fromNanos(toNanos(local))
	assert.True(t, got.Equal(local))
	assert.Equal(t, time.UTC, got.Location())
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"shorter", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"truncated", "abcdef", 3, "abc"},
		{"multibyte", "héllo wörld", 4, "héll"},
		{"emoji", "🙂🙂🙂", 2, "🙂🙂"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, preview(tt.in, tt.n))
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 4, estimateTokens(""))
	assert.Equal(t, 5, estimateTokens("abcd"))
	assert.Equal(t, 6, estimateTokens("abcde"))
	assert.Equal(t, 254, estimateTokens(strings.Repeat("x", 1000)))
}
