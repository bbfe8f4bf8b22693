package pubsub

import (
	"fmt"
	"time"
)

type Option func(*options)

type ListenOption func(*listenOptions)

// RetryForever as RetryPolicy.MaxAttempts keeps retrying failed pulls until the
// context ends.
const RetryForever = -1

type options struct {
	logger       Logger
	hooks        Hooks
	builder      RequestBuilder
	retryPolicy  RetryPolicy
	pollInterval time.Duration
	drainTimeout time.Duration
}

type listenOptions struct {
	ackDeadline    time.Duration
	processTimeout time.Duration
	maxExtension   time.Duration
	workers        int
	buffer         int
	retryPolicy    RetryPolicy
	deduper        Deduper
}

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

// ReceiveOptions are the per-call pull parameters of ReceiveWithOptions.
type ReceiveOptions struct {
	// ReturnImmediately ends retrieval with iterator.Done when a pull comes back empty.
	ReturnImmediately bool
	// MaxMessages bounds the batch requested per pull.
	MaxMessages int32
}

// ReceiveStreamOptions is the payload of one outbound streaming pull frame.
type ReceiveStreamOptions struct {
	AckIDs []string
	// ModifyDeadlineAckIDs[i] gets a new deadline of ModifyDeadlineSeconds[i].
	ModifyDeadlineAckIDs  []string
	ModifyDeadlineSeconds []int32
	// StreamAckDeadlineSeconds is the stream-wide ack deadline, set on the opening frame.
	StreamAckDeadlineSeconds int32
}

func DefaultReceiveOptions() ReceiveOptions {
	return ReceiveOptions{ReturnImmediately: false, MaxMessages: 1}
}

func (o ReceiveOptions) normalized() ReceiveOptions {
	if o.MaxMessages <= 0 {
		o.MaxMessages = 1
	}
	return o
}

func (o ReceiveStreamOptions) validate() error {
	if len(o.ModifyDeadlineAckIDs) != len(o.ModifyDeadlineSeconds) {
		return ErrInvalidStreamOptions.Wrap(fmt.Errorf("%d modify deadline ack ids but %d deadlines",
			len(o.ModifyDeadlineAckIDs), len(o.ModifyDeadlineSeconds)))
	}
	if o.StreamAckDeadlineSeconds < 0 {
		return ErrInvalidStreamOptions.Wrap(fmt.Errorf("negative stream ack deadline %d", o.StreamAckDeadlineSeconds))
	}
	return nil
}

func defaultOptions() options {
	return options{
		builder:      RoutingHeaders(),
		drainTimeout: 5 * time.Second,
		retryPolicy: RetryPolicy{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
		},
	}
}

func defaultListenOptions(parent options) listenOptions {
	return listenOptions{
		ackDeadline:    10 * time.Second,
		processTimeout: 30 * time.Second,
		maxExtension:   60 * time.Second,
		workers:        8,
		buffer:         512,
		retryPolicy:    parent.retryPolicy,
	}
}

func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithRequestBuilder replaces the default routing-header builder.
func WithRequestBuilder(b RequestBuilder) Option {
	return func(o *options) {
		if b != nil {
			o.builder = b
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.retryPolicy = policy.normalized()
	}
}

// WithDrainTimeout bounds how long closing a streaming session waits for
// queued outbound frames to be transmitted.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// WithPollInterval delays re-polling after an empty blocking pull. Zero polls again at once.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.pollInterval = d
		}
	}
}

func WithListenAckDeadline(d time.Duration) ListenOption {
	return func(o *listenOptions) {
		if d > 0 {
			o.ackDeadline = d
		}
	}
}

func WithListenProcessTimeout(d time.Duration) ListenOption {
	return func(o *listenOptions) {
		if d > 0 {
			o.processTimeout = d
		}
	}
}

// WithListenMaxExtension caps how long a message lease is extended while its
// handler runs. Zero disables extension.
func WithListenMaxExtension(d time.Duration) ListenOption {
	return func(o *listenOptions) {
		if d >= 0 {
			o.maxExtension = d
		}
	}
}

func WithListenConcurrency(n int) ListenOption {
	return func(o *listenOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithListenBuffer(n int) ListenOption {
	return func(o *listenOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func WithListenRetry(policy RetryPolicy) ListenOption {
	return func(o *listenOptions) {
		o.retryPolicy = policy.normalized()
	}
}

func WithListenDeduper(d Deduper) ListenOption {
	return func(o *listenOptions) {
		o.deduper = d
	}
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.Multiplier <= 0 {
		r.Multiplier = 2
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = 200 * time.Millisecond
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 10 * time.Second
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.MaxAttempts < 0 {
		r.MaxAttempts = RetryForever
	}
	return r
}

func (r RetryPolicy) exhausted(attempt int) bool {
	return r.MaxAttempts != RetryForever && attempt >= r.MaxAttempts
}
