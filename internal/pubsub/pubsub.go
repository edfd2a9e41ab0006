// Package pubsub fans recorded upstream exchanges out to NATS for
// downstream consumers (websocket bridges, alternate ingesters).
package pubsub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bustracker/internal/scraper"
)

// SubjectPrefix roots every published subject: raw.<command>.
const SubjectPrefix = "raw"

// Metrics receives publish outcomes; nil disables instrumentation.
type Metrics interface {
	PublishedInc()
	PublishErrInc()
	SetConnected(connected bool)
}

// Publisher pushes each recorded raw exchange to NATS. It is registered as
// the bundler's record hook; publish failures are logged and never block
// the scrape loop.
type Publisher struct {
	nc      *nats.Conn
	log     *slog.Logger
	metrics Metrics
}

func NewPublisher(url, name string, log *slog.Logger, m Metrics) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(true)
			}
			log.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if m != nil {
		m.SetConnected(true)
	}
	return &Publisher{nc: nc, log: log, metrics: m}, nil
}

// Close drains in-flight messages before disconnecting.
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Record publishes one exchange under raw.<command>. Use as the bundler's
// OnRecord hook.
func (p *Publisher) Record(command string, entry scraper.BundleEntry) {
	body, err := json.Marshal(entry)
	if err != nil {
		p.log.Warn("entry encode failed", "command", command, "err", err)
		return
	}
	if err := p.nc.Publish(Subject(command), body); err != nil {
		if p.metrics != nil {
			p.metrics.PublishErrInc()
		}
		p.log.Warn("nats publish failed", "command", command, "err", err)
		return
	}
	if p.metrics != nil {
		p.metrics.PublishedInc()
	}
}

// Subject names the NATS subject for a command, with token-unsafe
// characters replaced.
func Subject(command string) string {
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_")
	token := repl.Replace(command)
	if token == "" {
		token = "_"
	}
	return SubjectPrefix + "." + token
}
