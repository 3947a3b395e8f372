package chirp

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/valyala/histogram"
)

// nodeMetrics mirrors the VictoriaMetrics/metrics.Set-of-counters style
// Atlas uses for its HTTP handlers (pkg/api/api0/metrics.go), adapted to the
// connection/message lifecycle of a chirp node.
type nodeMetrics struct {
	set *metrics.Set

	conns_accepted_total  *metrics.Counter
	conns_dialed_total    *metrics.Counter
	conns_closed_total    *metrics.Counter
	conns_rejected_total  *metrics.Counter // over MaxConns
	handshake_fail_total  *metrics.Counter
	protocol_errors_total *metrics.Counter

	messages_sent_total     *metrics.Counter
	messages_received_total *metrics.Counter
	messages_dropped_total  *metrics.Counter // back-pressure / queue full
	acks_sent_total         *metrics.Counter
	noops_sent_total        *metrics.Counter

	bytes_sent_total     *metrics.Counter
	bytes_received_total *metrics.Counter

	slots_exhausted_total *metrics.Counter

	// send_latency_seconds is a histogram.Fast reservoir whose quantiles
	// WritePrometheus exports. No code path records samples into it, so the
	// exported quantiles are always 0.
	send_latency_seconds *histogram.Fast
}

func newNodeMetrics(set *metrics.Set) *nodeMetrics {
	m := &nodeMetrics{
		set:                     set,
		conns_accepted_total:    set.NewCounter(`chirp_conns_accepted_total`),
		conns_dialed_total:      set.NewCounter(`chirp_conns_dialed_total`),
		conns_closed_total:      set.NewCounter(`chirp_conns_closed_total`),
		conns_rejected_total:    set.NewCounter(`chirp_conns_rejected_total`),
		handshake_fail_total:    set.NewCounter(`chirp_handshake_fail_total`),
		protocol_errors_total:   set.NewCounter(`chirp_protocol_errors_total`),
		messages_sent_total:     set.NewCounter(`chirp_messages_sent_total`),
		messages_received_total: set.NewCounter(`chirp_messages_received_total`),
		messages_dropped_total:  set.NewCounter(`chirp_messages_dropped_total`),
		acks_sent_total:         set.NewCounter(`chirp_acks_sent_total`),
		noops_sent_total:        set.NewCounter(`chirp_noops_sent_total`),
		bytes_sent_total:        set.NewCounter(`chirp_bytes_sent_total`),
		bytes_received_total:    set.NewCounter(`chirp_bytes_received_total`),
		slots_exhausted_total:   set.NewCounter(`chirp_slots_exhausted_total`),
		send_latency_seconds:    histogram.NewFast(),
	}
	return m
}

// WritePrometheus writes the send-latency quantiles alongside the
// registered metrics.Set, following the manual Fprintln style nspkt uses
// for its own atomic counters.
func (m *nodeMetrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
	for _, q := range []float64{0.5, 0.9, 0.99} {
		fmt.Fprintf(w, "chirp_send_latency_seconds{quantile=\"%g\"} %g\n", q, m.send_latency_seconds.Quantile(q))
	}
}
