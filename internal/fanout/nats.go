package fanout

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"twinlink/internal/config"
)

const natsSubjectPrefix = "room."

// NATSBroadcaster implements Broadcaster over core NATS subjects. Room ids
// become subject suffixes; the subscription uses the "room.>" wildcard.
type NATSBroadcaster struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

func NewNATSBroadcaster(cfg config.NATSConfig) (*NATSBroadcaster, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSBroadcaster{conn: conn}, nil
}

func (b *NATSBroadcaster) Publish(_ context.Context, room string, payload []byte) error {
	return b.conn.Publish(natsSubjectPrefix+room, payload)
}

func (b *NATSBroadcaster) Subscribe(_ context.Context) (<-chan Message, error) {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}

	raw := make(chan *nats.Msg, 256)
	sub, err := b.conn.ChanSubscribe(natsSubjectPrefix+">", raw)
	if err != nil {
		return nil, err
	}
	b.sub = sub

	out := make(chan Message, 256)
	go func() {
		defer close(out)
		for msg := range raw {
			out <- Message{
				Room:    strings.TrimPrefix(msg.Subject, natsSubjectPrefix),
				Payload: msg.Data,
			}
		}
	}()
	return out, nil
}

func (b *NATSBroadcaster) Ping(_ context.Context) error {
	return b.conn.FlushTimeout(2 * time.Second)
}

func (b *NATSBroadcaster) Close() error {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.conn.Close()
	return nil
}
