package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/infigaming-com/go-pubsub/pubsub"
)

const (
	subscriptionKey = attribute.Key("pubsub.subscription")
	outcomeKey      = attribute.Key("pubsub.outcome")
)

// Recorder turns subscription hooks into OpenTelemetry instruments.
type Recorder struct {
	pulls       metric.Int64Counter
	pullErrors  metric.Int64Counter
	pulled      metric.Int64Histogram
	received    metric.Int64Counter
	settled     metric.Int64Counter
	extensions  metric.Int64Counter
	failures    metric.Int64Counter
	streamError metric.Int64Counter
}

func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error
	if r.pulls, err = meter.Int64Counter("pubsub.pull.count",
		metric.WithDescription("Successful pull calls"),
		metric.WithUnit("{call}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if r.pullErrors, err = meter.Int64Counter("pubsub.pull.errors",
		metric.WithDescription("Failed pull attempts"),
		metric.WithUnit("{call}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if r.pulled, err = meter.Int64Histogram("pubsub.pull.batch_size",
		metric.WithDescription("Messages returned per pull"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	if r.received, err = meter.Int64Counter("pubsub.messages.received",
		metric.WithDescription("Messages handed to the application"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if r.settled, err = meter.Int64Counter("pubsub.messages.settled",
		metric.WithDescription("Messages acked, nacked or dropped as duplicates"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if r.extensions, err = meter.Int64Counter("pubsub.messages.extensions",
		metric.WithDescription("Ack deadline extensions"),
		metric.WithUnit("{call}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if r.failures, err = meter.Int64Counter("pubsub.messages.failures",
		metric.WithDescription("Handler failures"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if r.streamError, err = meter.Int64Counter("pubsub.stream.errors",
		metric.WithDescription("Streaming pull sessions ended by an error"),
		metric.WithUnit("{stream}")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	return r, nil
}

// Hooks returns hooks recording into r. Pass them to pubsub.WithHooks.
func (r *Recorder) Hooks() pubsub.Hooks {
	return pubsub.Hooks{
		OnPull: func(ctx context.Context, sub string, count int) {
			attrs := metric.WithAttributes(subscriptionKey.String(sub))
			r.pulls.Add(ctx, 1, attrs)
			r.pulled.Record(ctx, int64(count), attrs)
		},
		OnPullError: func(ctx context.Context, sub string, _ int, _ error) {
			r.pullErrors.Add(ctx, 1, metric.WithAttributes(subscriptionKey.String(sub)))
		},
		OnReceive: func(ctx context.Context, sub string, _ pubsub.MessageMetadata) {
			r.received.Add(ctx, 1, metric.WithAttributes(subscriptionKey.String(sub)))
		},
		OnAck: func(ctx context.Context, sub string, _ pubsub.MessageMetadata) {
			r.settle(ctx, sub, "ack")
		},
		OnNack: func(ctx context.Context, sub string, _ pubsub.MessageMetadata) {
			r.settle(ctx, sub, "nack")
		},
		OnDuplicate: func(ctx context.Context, sub string, _ pubsub.MessageMetadata) {
			r.settle(ctx, sub, "duplicate")
		},
		OnAckExtend: func(ctx context.Context, sub string, _ pubsub.MessageMetadata, _ string) {
			r.extensions.Add(ctx, 1, metric.WithAttributes(subscriptionKey.String(sub)))
		},
		OnFailure: func(ctx context.Context, sub string, _ pubsub.MessageMetadata, _ error) {
			r.failures.Add(ctx, 1, metric.WithAttributes(subscriptionKey.String(sub)))
		},
		OnStreamErr: func(ctx context.Context, sub string, _ error) {
			r.streamError.Add(ctx, 1, metric.WithAttributes(subscriptionKey.String(sub)))
		},
	}
}

func (r *Recorder) settle(ctx context.Context, sub, outcome string) {
	r.settled.Add(ctx, 1, metric.WithAttributes(subscriptionKey.String(sub), outcomeKey.String(outcome)))
}
