package transport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"(empty response)"}, SplitMessage("  \n ", 10))
	assert.Equal(t, []string{"short"}, SplitMessage(" short ", 10))

	// Splits at the last newline before the limit.
	assert.Equal(t, []string{"aaa\nbbb", "ccc"}, SplitMessage("aaa\nbbb\nccc", 9))

	// Hard cut when there is no newline.
	assert.Equal(t, []string{"abcde", "fghij", "k"}, SplitMessage("abcdefghijk", 5))

	long := strings.Repeat("x", 1000) + "\n" + strings.Repeat("y", 1500)
	parts := SplitMessage(long, MaxMessageLen)
	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("x", 1000), parts[0])
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), MaxMessageLen)
	}
}

func TestSendChunked(t *testing.T) {
	t.Parallel()

	var got []string
	s := SenderFunc(func(_ context.Context, channelID int64, text string) error {
		assert.Equal(t, int64(7), channelID)
		got = append(got, text)
		return nil
	})

	text := strings.Repeat("a", MaxMessageLen) + strings.Repeat("b", 10)
	require.NoError(t, SendChunked(context.Background(), s, 7, text))
	assert.Equal(t, []string{strings.Repeat("a", MaxMessageLen), strings.Repeat("b", 10)}, got)
}

func TestSendChunked_StopsOnError(t *testing.T) {
	t.Parallel()

	calls := 0
	s := SenderFunc(func(context.Context, int64, string) error {
		calls++
		return errors.New("down")
	})

	err := SendChunked(context.Background(), s, 1, strings.Repeat("a", 5000))
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
