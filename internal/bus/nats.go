package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSPublisher decorates a Bus and mirrors every published event onto NATS
// subjects (<prefix>.<event-type>) so out-of-process collaborators can
// consume them. Publish failures are logged, never retried.
type NATSPublisher struct {
	next   Bus
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to the NATS server and wraps next.
func NewNATSPublisher(next Bus, url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if prefix == "" {
		prefix = "aiops.events"
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	return &NATSPublisher{next: next, conn: conn, prefix: prefix, logger: logger}, nil
}

// Publish forwards to the wrapped bus and mirrors the event to NATS.
func (p *NATSPublisher) Publish(e Event) {
	p.next.Publish(e)

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("marshal event for nats", slog.String("type", string(e.Type)), slog.Any("error", err))
		return
	}
	subject := p.prefix + "." + string(e.Type)
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Warn("publish event to nats", slog.String("subject", subject), slog.Any("error", err))
	}
}

// Subscribe delegates to the wrapped in-process bus.
func (p *NATSPublisher) Subscribe(types ...EventType) (<-chan Event, func()) {
	return p.next.Subscribe(types...)
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
		p.conn.Close()
	}
}
