// Package events publishes task lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/config"
	"github.com/fyrsmithlabs/taskbridge/internal/logging"
	"github.com/fyrsmithlabs/taskbridge/internal/orchestrator"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "taskbridge"

// Publisher sends orchestrator events to
//
//	{prefix}.{chat}.{task}.{kind}
//
// as JSON. It implements orchestrator.Sink.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *logging.Logger
}

// NewPublisher wraps an existing connection. The caller keeps ownership.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Connect dials cfg.URL and returns a Publisher that closes the connection
// on Close.
func Connect(cfg config.NATSConfig, logger *logging.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	p := NewPublisher(nil, cfg.SubjectPrefix, logger)
	nc, err := nats.Connect(cfg.URL,
		nats.Name("taskbridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.logger.Info(context.Background(), "nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p.nc = nc
	p.owned = true
	return p, nil
}

// Subject returns the subject for ev.
func (p *Publisher) Subject(ev orchestrator.Event) string {
	return strings.Join([]string{p.prefix, token(ev.Destination), token(ev.TaskID), token(string(ev.Kind))}, ".")
}

// Handle publishes ev.
func (p *Publisher) Handle(ctx context.Context, ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(ev)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	p.logger.Trace(ctx, "event published", zap.String("subject", subject))
	return nil
}

// Close flushes pending messages and closes an owned connection.
func (p *Publisher) Close() error {
	if !p.owned || p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	if err != nil {
		p.nc.Close()
	}
	return err
}

// token makes s safe as one subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
