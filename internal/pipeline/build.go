package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DropWatch/internal/alert"
	"github.com/dharsanguruparan/DropWatch/internal/api"
	"github.com/dharsanguruparan/DropWatch/internal/config"
	"github.com/dharsanguruparan/DropWatch/internal/database"
	"github.com/dharsanguruparan/DropWatch/internal/gather"
	"github.com/dharsanguruparan/DropWatch/internal/manifest"
	"github.com/dharsanguruparan/DropWatch/internal/processing"
	"github.com/dharsanguruparan/DropWatch/internal/repository"
	"github.com/dharsanguruparan/DropWatch/internal/s3storage"
	"github.com/dharsanguruparan/DropWatch/internal/signing"
	"github.com/dharsanguruparan/DropWatch/internal/sources"
)

// Service is a Pipeline plus the status API and the connections it owns.
type Service struct {
	Pipeline *Pipeline
	API      *api.Server

	log     *zap.Logger
	alerts  *alert.Dispatcher
	closers []func()
}

// Build connects every collaborator named in cfg. Call Close when done.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Service{log: log}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	alertSinks, err := buildAlertSinks(cfg, log)
	if err != nil {
		return nil, err
	}
	svc.alerts = alert.NewDispatcher(log, cfg.Alerts.Buffer, cfg.Alerts.SendTimeout, alertSinks...)

	var store *s3storage.Storage
	if cfg.UsesS3() {
		store, err = s3storage.New(cfg)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBuckets(ctx); err != nil {
			return nil, err
		}
	}

	var arrivals gather.ArrivalSource
	switch cfg.Arrivals.Source {
	case "s3":
		arrivals = store
	default:
		if err := os.MkdirAll(cfg.Arrivals.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create arrival dir: %w", err)
		}
		arrivals = sources.NewDirSource(cfg.Arrivals.Dir)
	}

	var status processing.StatusSource
	switch cfg.Status.Source {
	case "s3":
		status = store
	default:
		if cfg.Status.URL == "" {
			return nil, errors.New("status.url is required for the http status source")
		}
		status = sources.NewHTTPStatusSource(cfg.Status.URL, cfg.Status.Timeout)
	}

	manifestSinks, err := svc.buildManifestSinks(ctx, cfg, store)
	if err != nil {
		return nil, err
	}
	var writer gather.ManifestWriter
	if len(manifestSinks) > 0 {
		writer = manifest.NewWriter(log, manifestSinks...)
	}

	svc.Pipeline = New(cfg, Deps{
		Arrivals: arrivals,
		Status:   status,
		Manifest: writer,
		Alerter:  svc.alerts,
	}, log)
	svc.API = api.New(cfg.Address, svc.Pipeline.Table, svc.Pipeline.Snapshot, signing.NewSigner([]byte(cfg.SigningSecret)), log)

	log.Info("service built",
		zap.String("arrivals", arrivals.Name()),
		zap.String("status", status.Name()),
		zap.Strings("manifest_sinks", cfg.Manifest.Sinks),
		zap.Int("alert_sinks", len(alertSinks)))
	ok = true
	return svc, nil
}

func buildAlertSinks(cfg *config.Config, log *zap.Logger) ([]alert.Sink, error) {
	sinks := []alert.Sink{alert.LogSink{Log: log.Named("alert")}}
	if cfg.Alerts.SlackWebhook != "" {
		s, err := alert.NewSlackSink(cfg.Alerts.SlackWebhook, cfg.Alerts.SlackChannel)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Alerts.DiscordWebhook != "" {
		d, err := alert.NewDiscordSink(cfg.Alerts.DiscordWebhook)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, d)
	}
	return sinks, nil
}

func (s *Service) buildManifestSinks(ctx context.Context, cfg *config.Config, store *s3storage.Storage) ([]manifest.Sink, error) {
	var sinks []manifest.Sink
	for _, name := range cfg.Manifest.Sinks {
		switch name {
		case "file":
			sinks = append(sinks, manifest.FileSink{Dir: cfg.Manifest.Dir})
		case "s3":
			sinks = append(sinks, manifest.ObjectSink{Store: store, Prefix: cfg.Manifest.Prefix})
		case "postgres":
			if cfg.DatabaseURL == "" {
				return nil, errors.New("database_url is required for the postgres manifest sink")
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.closers = append(s.closers, pool.Close)
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return nil, err
			}
			sinks = append(sinks, manifest.LedgerSink{Ledger: repository.NewManifestRepository(pool)})
		case "queue":
			client := asynq.NewClient(asynq.RedisClientOpt{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			s.closers = append(s.closers, func() { _ = client.Close() })
			sinks = append(sinks, manifest.QueueSink{Client: client})
		}
	}
	return sinks, nil
}

// Run serves the API and runs the pipeline until it has drained. An API that
// cannot start stops the pipeline too.
func (s *Service) Run(ctx context.Context) error {
	apiCtx, stopAPI := context.WithCancel(context.Background())
	defer stopAPI()
	apiErr := make(chan error, 1)
	go func() {
		err := s.API.Run(apiCtx)
		if err != nil {
			s.log.Error("status api failed", zap.Error(err))
			s.Pipeline.RequestStop("status api failed")
		}
		apiErr <- err
	}()

	err := s.Pipeline.Run(ctx)
	stopAPI()
	return errors.Join(err, <-apiErr)
}

// Close flushes pending alerts and releases connections.
func (s *Service) Close() {
	if s.alerts != nil {
		s.alerts.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
