// Package bus mirrors engine events onto NATS subjects and adapts an
// external NATS feed into the runner's trade-update wake contract. The bus
// is optional: an empty URL yields no-op implementations.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/quantfoundry/tradeengine/pkg/logging"
	"github.com/quantfoundry/tradeengine/pkg/storage"
	"github.com/quantfoundry/tradeengine/pkg/types"
)

// Publisher mirrors audit and order events to subjects
// <prefix>.audit.<event_type> and <prefix>.orders.<symbol>.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

// Connect dials NATS and returns a publisher. An empty URL returns (nil,
// nil); callers treat a nil publisher as disabled.
func Connect(url, prefix string, log *zap.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	if prefix == "" {
		prefix = "engine"
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &Publisher{nc: nc, prefix: prefix, log: logging.OrNop(log)}, nil
}

// PublishAudit mirrors one audit event. Publish failures are logged, never
// surfaced: the audit row in storage is the durable record.
func (p *Publisher) PublishAudit(event types.AuditEvent, description string, details map[string]interface{}) {
	if p == nil {
		return
	}
	payload := map[string]interface{}{
		"event_type":  string(event),
		"description": description,
		"timestamp":   time.Now().UTC(),
	}
	if len(details) > 0 {
		payload["details"] = details
	}
	p.publish(fmt.Sprintf("%s.audit.%s", p.prefix, event), payload)
}

// PublishOrder mirrors one order row keyed by symbol.
func (p *Publisher) PublishOrder(symbol string, order *storage.Order) {
	if p == nil || order == nil {
		return
	}
	p.publish(fmt.Sprintf("%s.orders.%s", p.prefix, symbol), order)
}

func (p *Publisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("bus payload marshal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn("bus publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// TradeUpdateStream subscribes to an external trade-update subject and
// forwards events into the same callback contract the broker stream uses,
// letting an out-of-process feed wake the runner.
type TradeUpdateStream struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
	log     *zap.Logger
}

// NewTradeUpdateStream prepares a stream over an existing publisher
// connection.
func NewTradeUpdateStream(p *Publisher, subject string) (*TradeUpdateStream, error) {
	if p == nil {
		return nil, fmt.Errorf("bus is disabled")
	}
	if subject == "" {
		subject = p.prefix + ".trade_updates"
	}
	return &TradeUpdateStream{nc: p.nc, subject: subject, log: p.log}, nil
}

// Start subscribes and forwards decoded updates to cb.
func (s *TradeUpdateStream) Start(cb types.TradeUpdateHandler) (bool, error) {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		var update types.TradeUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			s.log.Warn("bad trade update payload", zap.Error(err))
			return
		}
		cb(update)
	})
	if err != nil {
		return false, fmt.Errorf("failed to subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	return true, nil
}

// Stop unsubscribes.
func (s *TradeUpdateStream) Stop() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}
