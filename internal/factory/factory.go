package factory

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"

	"dormauth/internal/audit"
	"dormauth/internal/bucketing"
	"dormauth/internal/client"
	"dormauth/internal/config"
	"dormauth/internal/credstore"
	"dormauth/internal/encryption"
	"dormauth/internal/hashing"
	"dormauth/internal/ipguard"
	"dormauth/internal/mfa"
	"dormauth/internal/notify"
	"dormauth/internal/policy"
	redisrepo "dormauth/internal/repository/redis"
	"dormauth/internal/repository/scylla"
	"dormauth/internal/service"
	"dormauth/internal/session"
	"dormauth/internal/tls"
	"dormauth/internal/token"
	"dormauth/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher  *hashing.Hasher
	cipher  *encryption.Manager
	buckets *bucketing.Manager

	authService *service.AuthService
	auditSink   *audit.Sink
	stopSweeper func()

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewManager(&cfg.Server, cfg.Environment)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.buildAuthService(); err != nil {
		return nil, fmt.Errorf("failed to build auth service: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if c, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
	}

	// ScyllaDB
	if c, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
	}

	// Kafka is best-effort everywhere: email and security events degrade
	// to logs without it.
	if producer, err := client.NewKafkaProducer(f.config); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
	}

	// Elasticsearch
	if c, err := client.NewElasticsearchClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = c
	}

	// ClickHouse
	if c, err := client.NewClickHouseClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = c
	}

	for name, err := range f.healthCheckClients(ctx) {
		initErrors = append(initErrors, fmt.Errorf("%s health check: %w", name, err))
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// healthCheckClients probes every initialized client concurrently and
// returns the failures by client name.
func (f *Factory) healthCheckClients(ctx context.Context) map[string]error {
	var mu sync.Mutex
	failures := make(map[string]error)
	record := func(name string, err error) {
		mu.Lock()
		failures[name] = err
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if f.redisClient != nil {
		g.Go(func() error {
			if err := f.redisClient.HealthCheck(gctx); err != nil {
				record("redis", err)
			}
			return nil
		})
	}
	if f.scyllaClient != nil {
		g.Go(func() error {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				record("scylla", err)
			}
			return nil
		})
	}
	if f.esClient != nil {
		g.Go(func() error {
			if err := f.esClient.HealthCheck(); err != nil {
				record("elasticsearch", err)
			}
			return nil
		})
	}
	if f.clickhouseClient != nil {
		g.Go(func() error {
			if err := f.clickhouseClient.HealthCheck(gctx); err != nil {
				record("clickhouse", err)
			}
			return nil
		})
	}
	if f.kafkaProducer != nil {
		g.Go(func() error {
			if err := f.kafkaProducer.HealthCheck(gctx); err != nil {
				record("kafka", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(&f.config.Hashing)
	f.buckets = bucketing.NewManager(&f.config.Bucketing)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("loading aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	f.cipher = encryption.NewManager(&f.config.KMS, kmsClient)

	return nil
}

// buildAuthService wires the stores and policy engines into the
// orchestrator. Outside production, missing backends fall back to
// in-process implementations so the service still comes up locally.
func (f *Factory) buildAuthService() error {
	cfg := f.config

	var repo credstore.IdentityRepository
	if f.scyllaClient != nil {
		repo = scylla.NewIdentityRepository(f.scyllaClient, f.buckets)
	} else {
		if cfg.IsProduction() {
			return fmt.Errorf("scylla is required in production")
		}
		util.Warn("Using in-memory identity repository; identities will not survive a restart")
		repo = credstore.NewMemoryRepository()
	}
	creds := credstore.NewStore(repo, f.hasher, &cfg.Auth)

	var (
		sessionBackend session.Backend
		guardStore     ipguard.Store      = ipguard.NewMemoryStore()
		resets         service.ResetStore = service.NewMemoryResetStore()
	)
	if f.redisClient != nil {
		sessionBackend = redisrepo.NewSessionBackend(f.redisClient)
		guardStore = redisrepo.NewIPGuardStore(f.redisClient)
		resets = redisrepo.NewResetCache(f.redisClient)
	} else {
		if cfg.IsProduction() {
			return fmt.Errorf("redis is required in production")
		}
		util.Warn("Using in-memory session and rate-limit stores")
		memBackend := session.NewMemoryBackend()
		f.stopSweeper = memBackend.StartSweeper(time.Minute)
		sessionBackend = memBackend
	}

	tokenSecret, err := resolveTokenSecret(cfg)
	if err != nil {
		return err
	}

	var mailer notify.Mailer = notify.NoopMailer{}
	if f.kafkaProducer != nil {
		mailer = notify.NewKafkaMailer(f.kafkaProducer, &cfg.Kafka)
	}

	var recorder audit.Recorder = audit.Noop{}
	if f.clickhouseClient != nil || f.esClient != nil || f.kafkaProducer != nil {
		f.auditSink = audit.NewSink(f.clickhouseClient, f.esClient, f.kafkaProducer, f.buckets, cfg)
		recorder = f.auditSink
	}

	svc, err := service.NewAuthService(service.Deps{
		Config:   cfg,
		Policy:   policy.New(cfg.Auth.PasswordExpiry, cfg.Auth.PasswordExpiryWarn),
		Hasher:   f.hasher,
		Creds:    creds,
		Sessions: session.NewStore(sessionBackend, &cfg.Auth),
		Guard:    ipguard.New(guardStore, &cfg.Auth),
		MFA:      mfa.NewEngine(creds, f.cipher, &cfg.Auth),
		Tokens:   token.NewIssuer(tokenSecret),
		Cipher:   f.cipher,
		Resets:   resets,
		Mailer:   mailer,
		Audit:    recorder,
	})
	if err != nil {
		return err
	}
	f.authService = svc
	return nil
}

// resolveTokenSecret returns the HS256 key that signs MFA-challenge and
// password-reset grants. Production refuses to start without one;
// development falls back to an ephemeral key, so outstanding grants do
// not survive a restart.
func resolveTokenSecret(cfg *config.Config) (string, error) {
	if cfg.Auth.TokenSecret != "" {
		return cfg.Auth.TokenSecret, nil
	}
	if cfg.IsProduction() {
		return "", fmt.Errorf("AUTH_TOKEN_SECRET is required in production")
	}
	util.Warn("AUTH_TOKEN_SECRET not set; signing grants with an ephemeral key")
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating ephemeral token secret: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

// HealthCheck reports the health of every wired backend.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := f.healthCheckClients(ctx)

	if f.config.IsProduction() {
		if f.redisClient == nil {
			healthErrors["redis"] = fmt.Errorf("redis client not initialized")
		}
		if f.scyllaClient == nil {
			healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
		}
	}
	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.stopSweeper != nil {
			f.stopSweeper()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.cipher != nil {
			f.cipher.ClearCache()
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
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

func (f *Factory) AuthService() *service.AuthService {
	return f.authService
}

// AuditSink returns the search-capable audit sink, or nil when no audit
// backend is configured.
func (f *Factory) AuditSink() *audit.Sink {
	return f.auditSink
}
