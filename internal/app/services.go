package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nhle/refundscout/internal/catalog"
	"github.com/nhle/refundscout/internal/classify"
	"github.com/nhle/refundscout/internal/credential"
	"github.com/nhle/refundscout/internal/events"
	"github.com/nhle/refundscout/internal/lock"
	"github.com/nhle/refundscout/internal/mailbox"
	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/scanner"
	"github.com/nhle/refundscout/internal/store"
	appsync "github.com/nhle/refundscout/internal/sync"
)

// Services holds every component built from the configuration.
type Services struct {
	Config    *model.AppConfig
	Log       *zap.Logger
	Store     store.Store
	Vault     *credential.Vault
	Catalog   *catalog.Catalog
	Scanner   *scanner.Scanner
	Tracker   *appsync.Tracker
	Poller    *appsync.Poller
	Mailboxes *mailbox.Service
	Pipeline  *classify.Pipeline
	Events    events.Publisher

	closers []func() error
}

// Build wires the components described by cfg. The optional AMQP
// publisher and Redis lock degrade to no-ops when their server cannot be
// reached; the store and the vault secret are required.
func Build(ctx context.Context, cfg *model.AppConfig, logger *zap.Logger) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Services{Config: cfg, Log: logger}

	secret, err := vaultSecret(cfg.Vault)
	if err != nil {
		return nil, err
	}
	svc.Vault, err = credential.NewVault(secret)
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	svc.Catalog, err = catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	svc.Store, err = store.Open(ctx, cfg.Database, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, svc.Store.Close)

	svc.Events = svc.publisher(cfg.Events)
	locker := svc.locker(ctx, cfg.Redis)

	svc.Scanner = scanner.New(svc.Vault, scanner.ConfigFrom(cfg.Scan, logger.Named("imap")), logger.Named("scanner"))
	svc.Tracker = appsync.NewTracker(svc.Store, svc.Scanner, svc.Catalog.PriorityDomains(),
		appsync.WithLocker(locker),
		appsync.WithEvents(svc.Events),
		appsync.WithRotator(svc.Vault),
		appsync.WithTimeout(cfg.Scan.Timeout),
		appsync.WithLogger(logger.Named("tracker")),
	)
	svc.Poller = appsync.NewPoller(svc.Store, svc.Tracker, cfg.Poller, logger.Named("poller"))
	svc.Mailboxes = mailbox.NewService(svc.Store, svc.Scanner, svc.Vault,
		mailbox.NewProviders(cfg.Providers), logger.Named("mailbox"))

	var clf classify.Classifier = classify.KeywordClassifier{}
	if cfg.Classifier.Endpoint != "" {
		clf = classify.NewHTTPClient(cfg.Classifier.Endpoint, cfg.Classifier.Timeout)
	}
	svc.Pipeline = classify.NewPipeline(svc.Store, clf, svc.Catalog, svc.Events,
		classify.ConfigFrom(cfg.Classifier), logger.Named("classify"))

	return svc, nil
}

// Close releases every connection opened by Build, last opened first.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func vaultSecret(cfg model.VaultConfig) (string, error) {
	if cfg.Secret != "" {
		return cfg.Secret, nil
	}
	if !cfg.UseKeyring {
		return "", credential.ErrNoSecret
	}
	ring, err := credential.OpenKeyring()
	if err != nil {
		return "", err
	}
	return credential.LoadOrCreateSecret(ring, credential.VaultSecretKey)
}

func (s *Services) publisher(cfg model.EventsConfig) events.Publisher {
	if cfg.AMQPURL == "" {
		return events.Nop{}
	}
	pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.Exchange, s.Log.Named("events"))
	if err != nil {
		s.Log.Warn("event publishing disabled", zap.Error(err))
		return events.Nop{}
	}
	s.closers = append(s.closers, pub.Close)
	return pub
}

func (s *Services) locker(ctx context.Context, cfg model.RedisConfig) lock.Locker {
	if cfg.Addr == "" {
		return lock.Nop{}
	}
	l, err := lock.NewRedisLocker(ctx, cfg.Addr, cfg.Password, cfg.DB, cfg.LockTTL, s.Log.Named("lock"))
	if err != nil {
		s.Log.Warn("cross-process scan lock disabled", zap.Error(err))
		return lock.Nop{}
	}
	s.closers = append(s.closers, l.Close)
	return l
}
