package bridge

import "bytes"

// DefaultBufferLimit bounds the output kept per invocation.
const DefaultBufferLimit = 1 << 20

// outputBuffer accumulates an invocation's output, dropping the oldest bytes
// beyond limit, and splits it into complete lines.
type outputBuffer struct {
	data    []byte
	partial []byte
	limit   int
}

func newOutputBuffer(limit int) *outputBuffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &outputBuffer{limit: limit}
}

// write appends chunk and returns the lines it completed.
func (b *outputBuffer) write(chunk []byte) []string {
	b.data = append(b.data, chunk...)
	if over := len(b.data) - b.limit; over > 0 {
		// Cut at the next newline so the buffer starts on a whole line.
		if i := bytes.IndexByte(b.data[over:], '\n'); i >= 0 && over+i+1 < len(b.data) {
			over += i + 1
		}
		b.data = append(b.data[:0:0], b.data[over:]...)
	}

	b.partial = append(b.partial, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(b.partial[:i]))
		b.partial = b.partial[i+1:]
	}
	if len(b.partial) > b.limit {
		b.partial = b.partial[len(b.partial)-b.limit:]
	}
	return lines
}

// flush returns the trailing unterminated line, if any.
func (b *outputBuffer) flush() string {
	line := string(b.partial)
	b.partial = nil
	return line
}

func (b *outputBuffer) String() string { return string(b.data) }

func (b *outputBuffer) Len() int { return len(b.data) }
