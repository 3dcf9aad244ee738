package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"pkt.systems/checkoutd/api"
)

// EventStream reads server-sent session events.
type EventStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	once   sync.Once
}

// Events opens the live update stream for the current session. The first
// event is a snapshot of the session's steps.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	tok, err := c.bearer()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/session/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+tok)
	applyCorrelationHeader(ctx, req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	c.logDebugCtx(ctx, "client.events.open")
	return &EventStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// Next blocks for the next event. io.EOF marks the end of the stream.
func (s *EventStream) Next() (api.SessionEvent, error) {
	var (
		name string
		data strings.Builder
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && name == "" && data.Len() == 0 {
				return api.SessionEvent{}, io.EOF
			}
			return api.SessionEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev api.SessionEvent
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return api.SessionEvent{}, fmt.Errorf("decode %s event: %w", name, err)
			}
			if ev.Event == "" {
				ev.Event = name
			}
			return ev, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// Close releases the underlying connection.
func (s *EventStream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
