package feed

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// ReadStream replays a newline-delimited capture of push messages,
// calling fn for each non-empty line. It stops at EOF or when ctx is
// done.
func ReadStream(ctx context.Context, r io.Reader, fn func([]byte)) (int, error) {
	sc := bufio.NewScanner(r)
	// captured messages can be long
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	n := 0
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		default:
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fn([]byte(line))
		n++
	}
	return n, sc.Err()
}
