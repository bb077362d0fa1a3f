package feed

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadStream(t *testing.T) {
	t.Parallel()

	capture := strings.Join([]string{
		`# captured 2024-01-02`,
		`{"event":"tick","data":{"symbol":"EURUSD","bid":"1.1","ask":"1.2"}}`,
		``,
		`{"event":"orderPlaced","data":{"trade":{"id":"P1"}}}`,
		`garbage`,
	}, "\n")

	var lines []string
	n, err := ReadStream(context.Background(), strings.NewReader(capture), func(b []byte) {
		lines = append(lines, string(b))
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "garbage", lines[2])
}

func TestReadStreamStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := ReadStream(ctx, strings.NewReader("a\nb\n"), func([]byte) {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}
