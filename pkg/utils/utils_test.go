package utils

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnID(t *testing.T) {
	a, b := NewConnID(), NewConnID()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	require.NoError(t, err)
}

func TestNewRequestID(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewRequestID(), "req_"))
	assert.Len(t, NewInstanceID(), len("inst_")+8)
}

func TestSanitizeString(t *testing.T) {
	cases := map[string]string{
		"  alice  ":          "alice",
		"bo\x00b":            "bob",
		"line1\nline2":       "line1\nline2",
		"\x1b[31mred\x1b[0m": "[31mred[0m",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeString(in), "input %q", in)
	}
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", TruncateRunes("héllo", 4))
	assert.Equal(t, "hi", TruncateRunes("hi", 10))
	assert.Equal(t, "", TruncateRunes("hi", 0))
	assert.Equal(t, "日本", TruncateRunes("日本語", 2))
}
