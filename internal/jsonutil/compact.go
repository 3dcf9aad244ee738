// Package jsonutil normalizes inbound JSON payloads before they are hashed,
// decoded or stored.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"pkt.systems/jpact"
)

const smallPayload = 2048

// ErrTooLarge reports a payload above the configured limit.
var ErrTooLarge = errors.New("json: payload too large")

// ErrInvalid reports a payload that is not valid JSON.
var ErrInvalid = errors.New("json: invalid input")

// Compact reads r fully and returns the payload without insignificant
// whitespace. maxBytes <= 0 disables the size limit. Small payloads are
// validated in memory; larger ones stream through jpact.
func Compact(r io.Reader, maxBytes int64) ([]byte, error) {
	limit := int64(smallPayload)
	if maxBytes > 0 && maxBytes < limit {
		limit = maxBytes
	}
	head, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(head)) <= limit {
		if maxBytes > 0 && int64(len(head)) > maxBytes {
			return nil, tooLarge(maxBytes)
		}
		if !json.Valid(head) {
			return nil, ErrInvalid
		}
		if bytes.IndexAny(head, " \t\r\n") < 0 {
			return head, nil
		}
		var buf bytes.Buffer
		buf.Grow(len(head))
		if err := json.Compact(&buf, head); err != nil {
			return nil, ErrInvalid
		}
		return buf.Bytes(), nil
	}
	if maxBytes > 0 && int64(len(head)) > maxBytes {
		return nil, tooLarge(maxBytes)
	}
	body := &countingReader{r: io.MultiReader(bytes.NewReader(head), r), max: maxBytes}
	out, err := jpact.CompactToBuffer(body, 0)
	if body.exceeded {
		return nil, tooLarge(maxBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return out, nil
}

type countingReader struct {
	r        io.Reader
	max      int64
	n        int64
	exceeded bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.max > 0 && c.n > c.max {
		c.exceeded = true
		return n, ErrTooLarge
	}
	return n, err
}

func tooLarge(maxBytes int64) error {
	return fmt.Errorf("%w: limit %d bytes", ErrTooLarge, maxBytes)
}
