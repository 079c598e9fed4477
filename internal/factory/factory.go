package factory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/mail"
	"identity-service/internal/otp"
	"identity-service/internal/repository"
	"identity-service/internal/repository/memory"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/tls"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

const initTimeout = 30 * time.Second

// HealthChecker is implemented by every client the factory owns.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager
	otpGenerator      *otp.Generator
	tokenIssuer       *token.Issuer
	mailer            mail.Mailer
	recorder          *audit.Recorder

	store          repository.AccountStore
	accountCache   *rediscache.AccountCache
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory connects the configured backends and builds the managers.
// The logger must already be initialised.
func NewFactory(cfg *config.Config) (*Factory, error) {
	f := &Factory{
		config: cfg,
		logger: util.Get(),
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg.Server, cfg.Environment)
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	f.initializeStore()
	f.initializeAudit(ctx)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store", cfg.Store.Driver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("account_cache", f.accountCache != nil),
		util.Strings("audit_sinks", f.recorder.Sinks()),
	)
	return f, nil
}

// initializeClients connects every configured backend concurrently. The
// account store is always required; the rest are required only in
// production.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config
	var (
		mu       sync.Mutex
		optional []error
	)
	soft := func(name string, err error) error {
		if cfg.IsProduction() {
			return fmt.Errorf("%s: %w", name, err)
		}
		mu.Lock()
		optional = append(optional, fmt.Errorf("%s: %w", name, err))
		mu.Unlock()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Store.Driver == config.StoreScylla {
		g.Go(func() error {
			c, err := scylla.NewScyllaClient(cfg, f.logger)
			if err != nil {
				return fmt.Errorf("scylla: %w", err)
			}
			f.scyllaClient = c
			return nil
		})
	}

	if cfg.Redis.Enabled {
		g.Go(func() error {
			c, err := client.NewRedisClient(cfg, f.logger)
			if err != nil {
				return soft("redis", err)
			}
			f.redisClient = c
			return nil
		})
	}

	if cfg.HasSink("kafka") {
		g.Go(func() error {
			p, err := client.NewKafkaProducer(cfg, f.logger)
			if err != nil {
				return soft("kafka", err)
			}
			if err := p.HealthCheck(ctx); err != nil {
				_ = p.Close()
				return soft("kafka health check", err)
			}
			f.kafkaProducer = p
			return nil
		})
	}

	if cfg.HasSink("elasticsearch") {
		g.Go(func() error {
			c, err := client.NewElasticsearchClient(cfg, f.logger)
			if err != nil {
				return soft("elasticsearch", err)
			}
			if err := c.HealthCheck(ctx); err != nil {
				return soft("elasticsearch health check", err)
			}
			f.esClient = c
			return nil
		})
	}

	if cfg.HasSink("clickhouse") {
		g.Go(func() error {
			c, err := client.NewClickHouseClient(cfg, f.logger)
			if err != nil {
				return soft("clickhouse", err)
			}
			f.clickhouseClient = c
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	for _, err := range optional {
		util.Warn("Service initialization warning - proceeding without it", util.ErrorField(err))
	}
	return nil
}

func (f *Factory) initializeManagers(ctx context.Context) error {
	cfg := f.config

	f.hasher = hashing.NewHasher(cfg.Hashing)
	f.bucketingManager = bucketing.NewManager(cfg.Store)
	f.otpGenerator = otp.NewGenerator(cfg.Auth.OTPTTL)
	f.tokenIssuer = token.NewIssuer(cfg.Auth)

	var keyService encryption.KeyService
	if cfg.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		keyService = kms.NewFromConfig(awsCfg)
	}
	enc, err := encryption.NewManager(cfg.KMS, cfg.Auth.JWTSecret, keyService)
	if err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	f.encryptionManager = enc

	if cfg.Mail.LogOnly {
		util.Warn("MAIL_LOG_ONLY is set - emails are printed to stdout, not delivered")
		f.mailer = mail.NewLogMailer(os.Stdout, f.logger.Named("mail"))
	} else {
		m, err := mail.NewSMTPMailer(cfg.Mail, f.logger.Named("mail"))
		if err != nil {
			return fmt.Errorf("mail: %w", err)
		}
		f.mailer = m
	}

	util.Info("Managers initialized successfully",
		util.Int("user_buckets", f.bucketingManager.UserBuckets()),
		util.Duration("otp_ttl", f.otpGenerator.TTL()),
		util.Duration("token_ttl", f.tokenIssuer.TTL()),
		util.Bool("kms_enabled", f.encryptionManager.KMSEnabled()),
	)
	return nil
}

func (f *Factory) initializeStore() {
	switch f.config.Store.Driver {
	case config.StoreScylla:
		f.store = scylla.NewAccountRepository(f.scyllaClient, f.bucketingManager, f.encryptionManager, f.logger.Named("scylla"))
	default:
		util.Warn("Using in-memory account store - data is lost on restart")
		f.store = memory.NewAccountStore()
	}

	if f.redisClient != nil {
		f.accountCache = rediscache.NewAccountCache(f.redisClient, f.config.Redis.CacheTTL)
	}
}

func (f *Factory) initializeAudit(ctx context.Context) {
	var sinks []audit.Sink
	for _, name := range f.config.Audit.Sinks {
		switch name {
		case "kafka":
			if f.kafkaProducer != nil {
				sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.Topic))
			}
		case "clickhouse":
			if f.clickhouseClient != nil {
				sink := audit.NewClickHouseSink(f.clickhouseClient)
				if err := sink.EnsureSchema(ctx); err != nil {
					util.Warn("ClickHouse schema setup failed", util.ErrorField(err))
				}
				sinks = append(sinks, sink)
			}
		case "elasticsearch":
			if f.esClient != nil {
				sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.Index))
			}
		case "log":
			sinks = append(sinks, audit.NewLogSink(f.logger.Named("audit")))
		}
	}
	f.recorder = audit.NewRecorder(f.bucketingManager, f.logger.Named("audit"), sinks...)
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		sf := service.NewServiceFactory(
			f.store,
			f.hasher,
			f.otpGenerator,
			f.tokenIssuer,
			f.mailer,
			f.logger,
		).WithEvents(f.recorder)
		// A nil *AccountCache must not become a non-nil interface.
		if f.accountCache != nil {
			sf.WithCache(f.accountCache)
		}
		f.serviceFactory = sf
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthChecks lists the live dependencies by name.
func (f *Factory) HealthChecks() map[string]HealthChecker {
	checks := map[string]HealthChecker{"store": f.store}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient
	}
	return checks
}

func (f *Factory) Close() error {
	var errs []error
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return errors.Join(errs...)
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) TokenIssuer() *token.Issuer {
	return f.tokenIssuer
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}
