package channel

import (
	"encoding/json"
	"fmt"
	"io"
)

const (
	AuthResponseCapacity = 2048
	APIResponseCapacity  = 4096
	// MaxResponseBytes bounds how large a single API response may grow.
	MaxResponseBytes = 4 << 20
)

// ResponseBuffer accumulates a streamed HTTP response of unknown size.
// When a write would overflow it, capacity at least doubles, or grows to
// exactly what the write needs when doubling falls short.
type ResponseBuffer struct {
	buf   []byte
	limit int
}

func NewResponseBuffer(initial, limit int) *ResponseBuffer {
	if initial <= 0 {
		initial = APIResponseCapacity
	}
	if limit <= 0 {
		limit = MaxResponseBytes
	}
	return &ResponseBuffer{buf: make([]byte, 0, initial), limit: limit}
}

func (b *ResponseBuffer) Write(p []byte) (int, error) {
	need := len(b.buf) + len(p)
	if need > b.limit {
		return 0, &Error{Kind: KindResourceExhausted, Op: "buffer response", Msg: fmt.Sprintf("response exceeds %d bytes", b.limit)}
	}
	if need > cap(b.buf) {
		newCap := cap(b.buf) * 2
		if newCap < need {
			newCap = need
		}
		grown := make([]byte, len(b.buf), newCap)
		copy(grown, b.buf)
		b.buf = grown
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// ReadFrom drains r into the buffer. Errors other than resource exhaustion
// come back as transport errors.
func (b *ResponseBuffer) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	chunk := make([]byte, 1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := b.Write(chunk[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, TransportError("read response", err)
		}
	}
}

func (b *ResponseBuffer) Bytes() []byte { return b.buf }
func (b *ResponseBuffer) Len() int      { return len(b.buf) }
func (b *ResponseBuffer) Cap() int      { return cap(b.buf) }

// Decode parses the accumulated bytes as JSON into v.
func (b *ResponseBuffer) Decode(op string, v any) error {
	if err := json.Unmarshal(b.buf, v); err != nil {
		return ParseError(op, err)
	}
	return nil
}
