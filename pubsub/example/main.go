package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coocood/freecache"
	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-pubsub/observability/metrics"
	"github.com/infigaming-com/go-pubsub/pubsub"
	"github.com/infigaming-com/go-pubsub/pubsub/dedupe"
	"github.com/infigaming-com/go-pubsub/pubsub/driver/google"
	"github.com/infigaming-com/go-pubsub/util"
)

type settings struct {
	ConfigPath   string        `envconfig:"PUBSUB_CONFIG"`
	Subscription string        `envconfig:"PUBSUB_SUBSCRIPTION" required:"true"`
	Concurrency  int           `envconfig:"PUBSUB_CONCURRENCY" default:"8"`
	RedisAddr    string        `envconfig:"REDIS_ADDR"`
	RedisDB      int           `envconfig:"REDIS_DB"`
	DedupeTTL    time.Duration `envconfig:"DEDUPE_TTL" default:"10m"`
	OTLPHTTP     string        `envconfig:"OTLP_ENDPOINT"`
	OTLPGRPC     string        `envconfig:"OTLP_GRPC_ENDPOINT"`
}

func main() {
	lg, undo, err := util.NewLogger()
	if err != nil {
		panic(err)
	}

	err = run(lg)
	if err != nil {
		lg.Error("listener stopped", zap.Error(err))
	}
	undo()
	if err != nil {
		os.Exit(1)
	}
}

func run(lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var s settings
	if err := envconfig.Process("", &s); err != nil {
		return err
	}
	cfg, err := google.LoadConfig(s.ConfigPath)
	if err != nil {
		return err
	}
	cfg.Logger = pubsub.ZapLogger(lg)

	svc, err := google.New(ctx, cfg)
	if err != nil {
		return err
	}
	if s.OTLPHTTP != "" || s.OTLPGRPC != "" {
		_, shutdown, err := metrics.NewMeterProvider(ctx,
			metrics.WithServiceName("pubsub-example"),
			metrics.WithOTLPEndpoint(s.OTLPHTTP),
			metrics.WithOTLPGRPCEndpoint(s.OTLPGRPC),
		)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				lg.Warn("metrics shutdown", zap.Error(err))
			}
		}()
	}
	recorder, err := metrics.NewRecorder(otel.Meter("pubsub-example"))
	if err != nil {
		return err
	}
	client, err := pubsub.New(svc,
		pubsub.WithLogger(pubsub.ZapLogger(lg)),
		pubsub.WithHooks(recorder.Hooks()),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	name := s.Subscription
	if !strings.Contains(name, "/") {
		name = pubsub.SubscriptionName(cfg.ProjectID, name)
	}
	sub, err := client.Subscription(name)
	if err != nil {
		return err
	}

	deduper, err := newDeduper(ctx, s)
	if err != nil {
		return err
	}

	lg.Info("listening", zap.String("subscription", name), zap.Int("concurrency", s.Concurrency))
	return sub.Listen(ctx, pubsub.HandlerFunc(func(ctx context.Context, m *pubsub.Message) error {
		lg.Info("message",
			zap.String("id", m.ID()),
			zap.Int("bytes", len(m.Data())),
			zap.Any("attributes", m.Attributes()),
			zap.Time("published", m.PublishTime()),
		)
		return nil
	}), pubsub.WithListenConcurrency(s.Concurrency), pubsub.WithListenDeduper(deduper))
}

func newDeduper(ctx context.Context, s settings) (pubsub.Deduper, error) {
	if s.RedisAddr == "" {
		return dedupe.NewLocal(freecache.NewCache(32*1024*1024), s.DedupeTTL), nil
	}
	rdb, err := util.NewRedisClient(ctx, s.RedisAddr, s.RedisDB, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return dedupe.NewRedis(rdb, s.DedupeTTL), nil
}
