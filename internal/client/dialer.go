package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"twinlink/internal/event"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout = 10 * time.Second
	sendTimeout = 10 * time.Second
)

// WebsocketDialer opens real gorilla sessions against a gateway.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, rawURL, token, deviceID string) (Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("device_id", deviceID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	sess := &wsSession{
		ws:     ws,
		events: make(chan event.Event, eventBuffer),
	}
	go sess.readLoop()
	return sess, nil
}

type wsSession struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	events  chan event.Event
	reason  atomic.Value // error
	closed  int32
}

func (s *wsSession) Send(ev event.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(sendTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSession) Events() <-chan event.Event {
	return s.events
}

func (s *wsSession) CloseReason() error {
	if err, ok := s.reason.Load().(error); ok {
		return err
	}
	return nil
}

func (s *wsSession) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.writeMu.Lock()
	s.ws.SetWriteDeadline(time.Now().Add(sendTimeout))
	s.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.ws.Close()
}

func (s *wsSession) readLoop() {
	defer close(s.events)

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				s.reason.Store(error(fmt.Errorf("%w: %v", ErrPolicyClose, err)))
			} else {
				s.reason.Store(err)
			}
			s.ws.Close()
			return
		}

		// The server batches events newline-separated into one frame.
		scanner := bufio.NewScanner(bytes.NewReader(raw))
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			ev, err := event.Decode(line)
			if err != nil {
				continue
			}
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}
