package google

import (
	"context"
	"errors"
	"fmt"

	vkit "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/infigaming-com/go-pubsub/pubsub"
)

// SubscriberClient is the subset of *vkit.SubscriberClient the driver uses.
type SubscriberClient interface {
	Pull(ctx context.Context, req *pubsubpb.PullRequest, opts ...gax.CallOption) (*pubsubpb.PullResponse, error)
	StreamingPull(ctx context.Context, opts ...gax.CallOption) (pubsubpb.Subscriber_StreamingPullClient, error)
	Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, opts ...gax.CallOption) error
	ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest, opts ...gax.CallOption) error
	DeleteSubscription(ctx context.Context, req *pubsubpb.DeleteSubscriptionRequest, opts ...gax.CallOption) error
	Close() error
}

// noRetry turns off the client library's own pull retries; pubsub.Client
// applies its RetryPolicy instead.
var noRetry = gax.WithRetry(func() gax.Retryer { return nil })

type service struct {
	client     SubscriberClient
	ownsClient bool
	logger     pubsub.Logger
	cfg        Config
}

// New returns a pubsub.Service talking to Cloud Pub/Sub, or to the emulator
// when Config.EmulatorHost is set.
func New(ctx context.Context, cfg Config) (pubsub.Service, error) {
	cfg = cfg.withDefaults()
	s := &service{
		client: cfg.Client,
		logger: cfg.Logger,
		cfg:    cfg,
	}
	if s.logger == nil {
		s.logger = pubsub.ZapLogger(nil)
	}
	if s.client == nil {
		client, err := vkit.NewSubscriberClient(ctx, cfg.clientOptions()...)
		if err != nil {
			return nil, fmt.Errorf("googlepubsub: create subscriber client: %w", err)
		}
		s.client = client
		s.ownsClient = true
		s.logger.Info(ctx, "googlepubsub subscriber client created", "endpoint", cfg.endpoint(), "emulator", cfg.EmulatorHost != "")
	}
	return s, nil
}

func (c Config) clientOptions() []option.ClientOption {
	opts := make([]option.ClientOption, 0, 4)
	if c.EmulatorHost != "" {
		return append(opts,
			option.WithEndpoint(c.EmulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	if c.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(c.CredentialsJSON)))
	} else if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	if c.UserAgent != "" {
		opts = append(opts, option.WithUserAgent(c.UserAgent))
	}
	return opts
}

func (c Config) endpoint() string {
	if c.EmulatorHost != "" {
		return c.EmulatorHost
	}
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return "default"
}

func (s *service) Pull(ctx context.Context, req *pubsubpb.PullRequest) (*pubsubpb.PullResponse, error) {
	if req.GetSubscription() == "" {
		return nil, errors.New("googlepubsub: subscription required")
	}
	resp, err := s.client.Pull(ctx, req, noRetry)
	if err != nil {
		return nil, fmt.Errorf("googlepubsub: pull: %w", err)
	}
	return resp, nil
}

func (s *service) StreamingPull(ctx context.Context) (pubsub.StreamingPullClient, error) {
	stream, err := s.client.StreamingPull(ctx)
	if err != nil {
		return nil, fmt.Errorf("googlepubsub: streaming pull: %w", err)
	}
	return stream, nil
}

func (s *service) Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest) error {
	ctx, cancel := s.unaryContext(ctx)
	defer cancel()
	if err := s.client.Acknowledge(ctx, req); err != nil {
		return fmt.Errorf("googlepubsub: acknowledge: %w", err)
	}
	return nil
}

func (s *service) ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest) error {
	ctx, cancel := s.unaryContext(ctx)
	defer cancel()
	if err := s.client.ModifyAckDeadline(ctx, req); err != nil {
		return fmt.Errorf("googlepubsub: modify ack deadline: %w", err)
	}
	return nil
}

func (s *service) DeleteSubscription(ctx context.Context, req *pubsubpb.DeleteSubscriptionRequest) error {
	ctx, cancel := s.unaryContext(ctx)
	defer cancel()
	if err := s.client.DeleteSubscription(ctx, req); err != nil {
		return fmt.Errorf("googlepubsub: delete subscription: %w", err)
	}
	return nil
}

func (s *service) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// unaryContext bounds settlement and admin calls. Pull is left unbounded since
// a blocking pull waits server-side for messages.
func (s *service) unaryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}
