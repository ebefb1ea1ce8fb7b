package messaging

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics counts worker outcomes.
type metrics struct {
	published       prometheus.Counter
	publishFailures prometheus.Counter
	exhausted       prometheus.Counter
	confirmed       prometheus.Counter
	received        prometheus.Counter
	undecryptable   prometheus.Counter
	corrupt         prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tauchat",
		Subsystem: "messaging",
		Name:      name,
		Help:      help,
	})
}

// newMetrics creates the counters and registers them with reg when it is not nil.
// Counters already registered by another manager are shared.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		published:       newCounter("published_total", "Envelopes published and advertised."),
		publishFailures: newCounter("publish_failures_total", "Failed publication attempts."),
		exhausted:       newCounter("publish_exhausted_total", "Messages flagged after exhausting publication attempts."),
		confirmed:       newCounter("confirmed_total", "Sent messages confirmed by the peer."),
		received:        newCounter("received_total", "Envelopes received and decrypted."),
		undecryptable:   newCounter("undecryptable_total", "Received envelopes whose content failed to decrypt."),
		corrupt:         newCounter("corrupt_total", "Received envelopes whose content failed verification."),
	}
	if reg == nil {
		return m, nil
	}

	for _, c := range []*prometheus.Counter{
		&m.published, &m.publishFailures, &m.exhausted, &m.confirmed,
		&m.received, &m.undecryptable, &m.corrupt,
	} {
		if err := reg.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			existing, ok := are.ExistingCollector.(prometheus.Counter)
			if !ok {
				return nil, err
			}
			*c = existing
		}
	}
	return m, nil
}
