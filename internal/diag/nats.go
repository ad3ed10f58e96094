package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is prepended to the finding kind to form the subject.
const DefaultSubjectPrefix = "kiln.drift"

// Publisher is the part of *nats.Conn used by NATSReporter.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSReporter publishes findings as JSON to <prefix>.<kind>.
type NATSReporter struct {
	pub    Publisher
	prefix string
}

// NewNATSReporter returns a reporter publishing through pub.
func NewNATSReporter(pub Publisher, prefix string) *NATSReporter {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSReporter{pub: pub, prefix: prefix}
}

// Subject returns the subject findings of kind are published to.
func (r *NATSReporter) Subject(kind Kind) string {
	return r.prefix + "." + string(kind)
}

// Report implements Reporter.
func (r *NATSReporter) Report(_ context.Context, f Finding) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode finding: %w", err)
	}
	if err := r.pub.Publish(r.Subject(f.Kind), payload); err != nil {
		return fmt.Errorf("failed to publish finding %s: %w", f.ID, err)
	}
	return nil
}

// ConnectNATS connects to url with reconnects enabled. Connection events are
// logged to log.
func ConnectNATS(url string, log *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("kiln"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return nc, nil
}
