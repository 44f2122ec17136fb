package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/depotwatch/internal/config"
	"github.com/3leaps/depotwatch/pkg/depotstore"
	"github.com/3leaps/depotwatch/pkg/dispatcher"
	"github.com/3leaps/depotwatch/pkg/fetchqueue"
	"github.com/3leaps/depotwatch/pkg/lockset"
	"github.com/3leaps/depotwatch/pkg/notify"
	"github.com/3leaps/depotwatch/pkg/pipeline"
	"github.com/3leaps/depotwatch/pkg/remote"
	"github.com/3leaps/depotwatch/pkg/remote/gateway"
	"github.com/3leaps/depotwatch/pkg/serverpool"
)

// app is the wired processing stack shared by ingest and serve.
type app struct {
	cfg        *config.Config
	store      *depotstore.Store
	locks      *lockset.Set
	pipeline   *pipeline.Pipeline
	dispatcher *dispatcher.Dispatcher
	tally      *jobTally
}

// appDeps lets callers substitute the remote client and observe
// finished jobs.
type appDeps struct {
	remote   remote.Client
	onFinish func(pipeline.Job)
}

func openStore(ctx context.Context, cfg *config.Config) (*depotstore.Store, error) {
	return depotstore.Open(ctx, depotstore.Config{
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, deps appDeps) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no content servers configured (set servers or DEPOTWATCH_SERVERS)")
	}

	pool, err := serverpool.New(cfg.Servers, nil)
	if err != nil {
		return nil, fmt.Errorf("server pool: %w", err)
	}

	client := deps.remote
	if client == nil {
		gw, err := gateway.New(gateway.Config{
			BaseURL:   cfg.Remote.BaseURL,
			RateLimit: cfg.Remote.RateLimit,
			Timeout:   cfg.Remote.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("gateway client: %w", err)
		}
		client = gw
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}
	fetcher, err := newFetcher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, store: store, locks: lockset.New(), tally: &jobTally{}}

	a.pipeline, err = pipeline.New(pipeline.Config{
		Remote:    client,
		Pool:      pool,
		Locks:     a.locks,
		Store:     store,
		Notifier:  notifier,
		Fetcher:   fetcher,
		Important: cfg.ImportantDepots,
		OnFinish: func(job pipeline.Job) {
			a.tally.record(job)
			if deps.onFinish != nil {
				deps.onFinish(job)
			}
		},
		Logger: logger.Named("pipeline"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a.dispatcher, err = dispatcher.New(dispatcher.Config{
		Store:    store,
		Locks:    a.locks,
		Pipeline: a.pipeline,
		FullRun:  cfg.FullRun,
		Logger:   logger.Named("dispatcher"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// Close waits for in-flight jobs, then closes the store.
func (a *app) Close() error {
	a.pipeline.Wait()
	return a.store.Close()
}

func newNotifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, error) {
	multi := notify.Multi{notify.NewLogNotifier(logger.Named("notify"))}
	if cfg.Notify.WebhookURL != "" {
		hook, err := notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
		if err != nil {
			return nil, fmt.Errorf("webhook notifier: %w", err)
		}
		multi = append(multi, hook)
	}
	return multi, nil
}

// newFetcher returns nil when the fetch sink is disabled.
func newFetcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (fetchqueue.Requester, error) {
	var sink fetchqueue.Sink
	switch cfg.Fetch.Sink {
	case config.SinkNone, "":
		return nil, nil
	case config.SinkDir:
		sink = fetchqueue.NewDirSink(cfg.Fetch.Dir)
	case config.SinkS3:
		s3Sink, err := fetchqueue.NewS3Sink(ctx, fetchqueue.S3Config{
			Bucket:         cfg.Fetch.S3.Bucket,
			Prefix:         cfg.Fetch.S3.Prefix,
			Region:         cfg.Fetch.S3.Region,
			Endpoint:       cfg.Fetch.S3.Endpoint,
			Profile:        cfg.Fetch.S3.Profile,
			ForcePathStyle: cfg.Fetch.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 fetch sink: %w", err)
		}
		sink = s3Sink
	default:
		return nil, fmt.Errorf("unknown fetch sink %q", cfg.Fetch.Sink)
	}
	q, err := fetchqueue.New(sink, logger.Named("fetch"))
	if err != nil {
		return nil, err
	}
	return q, nil
}

// jobCounts summarizes finished jobs.
type jobCounts struct {
	Done      int `json:"done"`
	Abandoned int `json:"abandoned"`
	Failed    int `json:"failed"`
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Updated   int `json:"updated"`
	History   int `json:"history_rows"`
}

// jobTally counts finished jobs by outcome. A done job whose diff did not
// persist counts as failed.
type jobTally struct {
	mu     sync.Mutex
	counts jobCounts
}

func (t *jobTally) record(job pipeline.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case job.State == pipeline.StateAbandoned:
		t.counts.Abandoned++
	case job.Err != nil:
		t.counts.Failed++
	default:
		t.counts.Done++
	}
	if r := job.Result; r != nil {
		t.counts.Added += r.Added
		t.counts.Removed += r.Removed
		t.counts.Updated += r.Updated
		t.counts.History += r.HistoryRows
	}
}

func (t *jobTally) snapshot() jobCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts
}
