package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const publishTimeout = 2 * time.Second

type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NatsPublisher publishes events to a JetStream stream on "<prefix>.<type>".
type NatsPublisher struct {
	nc     *nats.Conn
	js     streamPublisher
	prefix string
	log    *slog.Logger
}

// NewNatsPublisher connects to NATS and makes sure the stream capturing
// "<prefix>.>" exists.
func NewNatsPublisher(ctx context.Context, url, stream, prefix string, log *slog.Logger) (*NatsPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("geopoints"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := js.Stream(ctx, stream); err != nil {
		log.Info("Event stream not found, creating it", "stream", stream)
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        stream,
			Description: "Point and message lifecycle events",
			Subjects:    []string{prefix + ".>"},
			MaxAge:      7 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", stream, err)
		}
	}

	return &NatsPublisher{nc: nc, js: js, prefix: prefix, log: log}, nil
}

// Publish sends the event, deduplicated on the server by its id.
func (p *NatsPublisher) Publish(ctx context.Context, ev Event) {
	subject := p.subject(ev.Type)
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.ErrorContext(ctx, "Failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID)); err != nil {
		p.log.WarnContext(ctx, "Failed to publish event", "subject", subject, "id", ev.ID, "error", err)
		return
	}
	p.log.DebugContext(ctx, "Published event", "subject", subject, "id", ev.ID)
}

// Close drains the connection.
func (p *NatsPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}

func (p *NatsPublisher) subject(typ Type) string {
	return fmt.Sprintf("%s.%s", p.prefix, typ)
}
