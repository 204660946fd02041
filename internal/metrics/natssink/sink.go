// Package natssink adapts the Event Plane's broadcast stream onto NATS, so
// events can fan out to other processes (dashboards, audit consumers)
// instead of only in-process subscribers.
package natssink

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/controller/internal/metrics"
)

var propagator = propagation.TraceContext{}

// publish injects the trace context from ctx into NATS headers and publishes
// data to subject, so a consumer on the other end can continue the trace.
func publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return nc.PublishMsg(msg)
}

// Sink drains a metrics.Plane subscription and republishes each event to
// NATS under <subjectPrefix>.<event kind>, until the context is canceled or
// the plane channel closes.
type Sink struct {
	nc            *nats.Conn
	plane         *metrics.Plane
	subjectPrefix string
	subID         int
	logger        *slog.Logger
}

// NewSink registers a subscription on plane with the given buffer size and
// returns a Sink ready to Run.
func NewSink(nc *nats.Conn, plane *metrics.Plane, subjectPrefix string, bufferSize int, logger *slog.Logger) (*Sink, <-chan metrics.Event) {
	if logger == nil {
		logger = slog.Default()
	}
	id, ch := plane.Subscribe(bufferSize)
	return &Sink{nc: nc, plane: plane, subjectPrefix: subjectPrefix, subID: id, logger: logger}, ch
}

// Run republishes every event received on ch until ctx is canceled or ch is
// closed (e.g. via Close). It is meant to run in its own goroutine.
func (s *Sink) Run(ctx context.Context, ch <-chan metrics.Event) {
	tr := otel.Tracer("controller-natssink")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			spanCtx, span := tr.Start(ctx, "natssink.publish", trace.WithSpanKind(trace.SpanKindProducer))
			data, err := json.Marshal(ev)
			if err != nil {
				span.End()
				s.logger.Warn("natssink: marshal event failed", "err", err)
				continue
			}
			subject := s.subjectPrefix + "." + string(ev.Kind)
			if err := publish(spanCtx, s.nc, subject, data); err != nil {
				s.logger.Warn("natssink: publish failed", "subject", subject, "err", err)
			}
			span.End()
		}
	}
}

// Close unsubscribes from the event plane, causing Run's channel read to
// observe a closed channel and return.
func (s *Sink) Close() {
	s.plane.Unsubscribe(s.subID)
}
