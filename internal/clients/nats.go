package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"webcrawler/provisioner/internal/config"
	"webcrawler/provisioner/internal/provisioner"
)

const natsProbeName = "nats"

// eventRetention bounds how long crawler workers can still read a past
// bootstrap announcement.
const eventRetention = 7 * 24 * time.Hour

// jsContext is the subset of nats.JetStreamContext used here. Defining an
// interface allows test doubles to be injected without a live NATS server.
type jsContext interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSNotifier publishes bootstrap results to a JetStream stream so crawler
// workers can wait for storage to be ready.
type NATSNotifier struct {
	url           string
	stream        string
	subjectPrefix string
	cb            *gobreaker.CircuitBreaker
	newJS         func(url string) (jsContext, func(), error)
}

// NewNATSNotifier constructs a NATSNotifier. Connections are opened lazily
// inside Announce and Probe.
func NewNATSNotifier(cfg config.NATSConfig, cb *gobreaker.CircuitBreaker) *NATSNotifier {
	return &NATSNotifier{
		url:           cfg.URL,
		stream:        cfg.Stream,
		subjectPrefix: cfg.SubjectPrefix,
		cb:            cb,
		newJS:         realNewJS,
	}
}

// Announce ensures the event stream exists and publishes result on
// "<prefix>.<status>".
func (n *NATSNotifier) Announce(ctx context.Context, result *provisioner.BootstrapResult) error {
	result.Lock()
	data, err := json.Marshal(result)
	status := result.Status
	result.Unlock()
	if err != nil {
		return fmt.Errorf("encoding bootstrap result: %w", err)
	}

	_, err = n.cb.Execute(func() (any, error) {
		js, cleanup, err := n.newJS(n.url)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer cleanup()

		if err := ensureStream(js, n.streamConfig()); err != nil {
			return nil, err
		}

		subject := n.subjectPrefix + "." + status
		if _, err := js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return nil, fmt.Errorf("publishing %s: %w", subject, err)
		}
		return nil, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return fmt.Errorf("circuit open: %w", err)
		}
		return err
	}
	return nil
}

// Probe verifies NATS connectivity. A missing stream is not a failure: it is
// created on the first announcement.
func (n *NATSNotifier) Probe(ctx context.Context) provisioner.ProbeResult {
	start := time.Now()

	_, err := n.cb.Execute(func() (any, error) {
		js, cleanup, err := n.newJS(n.url)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer cleanup()

		_, infoErr := js.StreamInfo(n.stream, nats.Context(ctx))
		if infoErr != nil && !errors.Is(infoErr, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("stream info: %w", infoErr)
		}
		return nil, nil
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return provisioner.ProbeResult{
			Name:      natsProbeName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return provisioner.ProbeResult{
		Name:      natsProbeName,
		OK:        true,
		LatencyMs: latency,
	}
}

func (n *NATSNotifier) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      n.stream,
		Subjects:  []string{n.subjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    eventRetention,
	}
}

// ensureStream creates the stream if it does not exist, or updates it if it
// does. nats.ErrStreamNotFound signals "create"; any other error is returned.
func ensureStream(js jsContext, cfg *nats.StreamConfig) error {
	_, err := js.StreamInfo(cfg.Name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, addErr := js.AddStream(cfg); addErr != nil {
			return fmt.Errorf("creating stream %s: %w", cfg.Name, addErr)
		}
	case err != nil:
		return fmt.Errorf("querying stream %s: %w", cfg.Name, err)
	default:
		if _, updErr := js.UpdateStream(cfg); updErr != nil {
			return fmt.Errorf("updating stream %s: %w", cfg.Name, updErr)
		}
	}
	return nil
}

// realNewJS opens a real NATS connection and returns a JetStreamContext plus a
// cleanup function that drains and closes the connection.
func realNewJS(url string) (jsContext, func(), error) {
	nc, err := nats.Connect(url, nats.Name("crawler-provisioner"))
	if err != nil {
		return nil, func() {}, fmt.Errorf("nats connect %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, func() {}, fmt.Errorf("nats jetstream context: %w", err)
	}

	return js, func() { nc.Drain() }, nil //nolint:errcheck
}
