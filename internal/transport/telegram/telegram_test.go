package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "recurpay/pkg/logx"
)

func TestSplitTextShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitText("hello", 10))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	in := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(in, 10)
	require.Len(t, got, 2)
	assert.Equal(t, strings.Repeat("a", 8), got[0])
	assert.Equal(t, strings.Repeat("b", 8), got[1])
}

func TestSplitTextRespectsLimit(t *testing.T) {
	in := strings.Repeat("ż", 25)
	for _, chunk := range splitText(in, 10) {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 10)
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, logx.Nop())
	require.Error(t, err)
}
