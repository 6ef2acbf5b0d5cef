// Package app wires configuration into the concrete stores, queues and
// services shared by the server, worker and operator binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailflow/internal/address"
	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/feedback"
	"github.com/ignite/mailflow/internal/metrics"
	"github.com/ignite/mailflow/internal/notify"
	"github.com/ignite/mailflow/internal/pkg/distlock"
	"github.com/ignite/mailflow/internal/pkg/httpretry"
	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/queue"
	"github.com/ignite/mailflow/internal/queue/redisq"
	"github.com/ignite/mailflow/internal/queue/sqsq"
	"github.com/ignite/mailflow/internal/repository/postgres"
	"github.com/ignite/mailflow/internal/ses"
	"github.com/ignite/mailflow/internal/service/aggregation"
	"github.com/ignite/mailflow/internal/service/ingestion"
	"github.com/ignite/mailflow/internal/service/mailstate"
	"github.com/ignite/mailflow/internal/service/suppression"
	"github.com/ignite/mailflow/internal/storage"
)

// Queue is a task queue backend usable from both sides.
type Queue interface {
	queue.TaskQueue
	queue.Consumer
	Close() error
}

// App holds every long-lived dependency of a process.
type App struct {
	Config *config.Config

	DB    *sql.DB
	Redis *redis.Client
	Queue Queue

	Metrics *metrics.Metrics

	Mails         *postgres.MailRepo
	Messages      *postgres.MessageRepo
	DeadLetters   *postgres.DeadLetterRepo
	Notifications *postgres.NotificationRepo
	Archive       storage.Archive

	Machine     *mailstate.Machine
	Registrar   *mailstate.Registrar
	Aggregator  *aggregation.Service
	Suppression *suppression.Service
	Protocol    *ingestion.Protocol
}

// ConfigureLogger applies the log section of cfg to the default logger.
func ConfigureLogger(cfg config.LogConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(cfg.Redact())
}

// New connects to Postgres, Redis and the queue backend and builds the
// services on top. Close releases everything New opened.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{Config: cfg, Metrics: metrics.New(nil)}

	db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	a.DB = db

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("redis connected, distributed locking enabled")
	} else {
		logger.Info("redis not configured, using postgres advisory locks")
	}

	if a.Queue, err = newQueue(ctx, cfg, a.Redis); err != nil {
		a.Close()
		return nil, err
	}

	if a.Archive, err = storage.New(ctx, cfg.DeadLetter); err != nil {
		a.Close()
		return nil, fmt.Errorf("dead letter archive: %w", err)
	}

	a.Mails = postgres.NewMailRepo(db)
	a.Messages = postgres.NewMessageRepo(db)
	a.DeadLetters = postgres.NewDeadLetterRepo(db)
	a.Notifications = postgres.NewNotificationRepo(db)

	var suppressionOpts []suppression.Option
	if cfg.SES.Enabled {
		mirror, err := ses.NewMirror(ctx, cfg.SES)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ses mirror: %w", err)
		}
		suppressionOpts = append(suppressionOpts, suppression.WithMirror(mirror))
		logger.Info("ses suppression mirror enabled", "region", cfg.SES.Region)
	}
	a.Suppression, err = suppression.NewService(postgres.NewSuppressionRepo(db), cfg.BouncePolicies, suppressionOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Machine = mailstate.NewMachine(a.Mails, mailstate.ParsePolicy(cfg.State.CurrentStatusPolicy))
	a.Registrar = mailstate.NewRegistrar(a.Mails, distlock.NewFactory(a.Redis, db, 30*time.Second), 0)
	a.Aggregator = aggregation.NewService(a.Messages)

	var sink ingestion.DeadLetterSink = a.DeadLetters
	if a.Archive != nil {
		sink = ingestion.MultiSink{a.DeadLetters, a.Archive}
	}
	a.Protocol = ingestion.NewProtocol(ingestion.Deps{
		Parser: feedback.NewParser(address.Grammar{
			Domain:            cfg.Address.Domain,
			ReturnPrefix:      cfg.Address.ReturnPrefix,
			UnsubscribePrefix: cfg.Address.UnsubscribePrefix,
		}),
		Machine:     a.Machine,
		Suppression: a.Suppression,
		Aggregator:  a.Aggregator,
		Scopes:      aggregation.NewParentScopes(a.Messages),
		Queue:       a.Queue,
		DeadLetters: sink,
		Retry: ingestion.RetryPolicy{
			Base:        time.Duration(cfg.Queue.RetryBaseSeconds) * time.Second,
			Max:         time.Duration(cfg.Queue.RetryMaxSeconds) * time.Second,
			Budget:      time.Duration(cfg.Queue.RetryBudgetHours) * time.Hour,
			MaxAttempts: cfg.Queue.MaxAttempts,
			Jitter:      0.1,
		},
		Metrics: a.Metrics,
	})
	return a, nil
}

func newQueue(ctx context.Context, cfg *config.Config, rdb *redis.Client) (Queue, error) {
	switch cfg.Queue.Backend {
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		qcfg := sqsq.Config{URL: cfg.Queue.SQSQueueURL, VisibilityTimeout: cfg.Queue.VisibilityTimeout()}
		if cfg.Queue.SQSHighQueueURL != "" {
			qcfg.PriorityURLs = map[queue.Priority]string{queue.PriorityHigh: cfg.Queue.SQSHighQueueURL}
		}
		q, err := sqsq.New(sqs.NewFromConfig(awsCfg), qcfg)
		if err != nil {
			return nil, err
		}
		logger.Info("task queue backend", "backend", "sqs", "url", cfg.Queue.SQSQueueURL)
		return q, nil
	default:
		if rdb == nil {
			return nil, fmt.Errorf("redis queue backend needs redis.url")
		}
		logger.Info("task queue backend", "backend", "redis", "prefix", cfg.Queue.Prefix)
		return redisq.New(rdb, redisq.Config{
			Prefix:            cfg.Queue.Prefix,
			PollInterval:      cfg.Queue.PollInterval(),
			VisibilityTimeout: cfg.Queue.VisibilityTimeout(),
		}), nil
	}
}

// Dispatcher returns the notification outbox dispatcher, or nil when no
// webhook is configured.
func (a *App) Dispatcher() *notify.Dispatcher {
	n := a.Config.Notify
	if n.WebhookURL == "" {
		return nil
	}
	client := httpretry.NewRetryClient(&http.Client{Timeout: n.Timeout()}, n.Retries)
	return notify.NewDispatcher(a.Notifications, notify.NewWebhook(n.WebhookURL, client, n.Retries), notify.DispatcherConfig{
		BatchSize: n.BatchSize,
	})
}

// Close releases connections opened by New.
func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			logger.Warn("close queue", "error", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			logger.Warn("close database", "error", err)
		}
	}
}
