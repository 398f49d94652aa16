package stream

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxEventLineSize bounds a single stream line at 1 MB. The default
// bufio.Scanner limit of 64 KiB is too small for long completions.
const maxEventLineSize = 1 * 1024 * 1024

// maxErrorBodySize caps how much of a non-2xx response body is read.
const maxErrorBodySize int64 = 1 * 1024 * 1024

// eventReader yields data payloads from a provider stream body. It
// understands `data:` prefixed SSE lines, skips blank lines and `:`
// comments, and treats the `[DONE]` sentinel as end of stream. Bare
// JSON lines (Ollama's newline-delimited format) pass through as-is.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineSize)
	return &eventReader{scanner: scanner}
}

// Next returns the next payload, or io.EOF at stream end or on the
// [DONE] sentinel.
func (r *eventReader) Next() (string, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return "", io.EOF
			}
			if payload == "" {
				continue
			}
			return payload, nil
		}
		if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") || strings.HasPrefix(line, "retry:") {
			continue
		}
		// Newline-delimited JSON without SSE framing.
		return line, nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", fmt.Errorf("reading stream: %w", err)
	}
	return "", io.EOF
}
