package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/tradeescrow/internal/compliance"
	"github.com/mbd888/tradeescrow/internal/config"
	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/mbd888/tradeescrow/internal/events"
	"github.com/mbd888/tradeescrow/internal/health"
	"github.com/mbd888/tradeescrow/internal/ledger"
	"github.com/mbd888/tradeescrow/internal/retry"
	"github.com/mbd888/tradeescrow/migrations"
)

// setupStorage opens Postgres and applies migrations when DATABASE_URL is
// set; otherwise orders and the in-process ledger live in memory.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.escrowStore = escrow.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.db = db
	s.escrowStore = escrow.NewPostgresStore(db)
	s.health.Register("database", health.Ping("database", db.PingContext))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// setupLedger selects the ledger backend named by LEDGER_BACKEND.
func (s *Server) setupLedger() error {
	if s.ledgerClient != nil {
		return nil
	}

	cfg := s.cfg
	switch cfg.LedgerBackend {
	case config.LedgerHTTP:
		policy := retry.DefaultPolicy
		policy.MaxAttempts = cfg.LedgerMaxAttempts
		c := ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerAPIKey,
			ledger.WithRetryPolicy(policy),
			ledger.WithHTTPLogger(s.logger),
		)
		s.ledgerClient = c
		s.health.Register("ledger", health.Ping("ledger", c.Ping))

	case config.LedgerChain:
		c, err := ledger.NewChainClient(ledger.ChainConfig{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
			Contract:   cfg.EscrowContract,
		}, ledger.WithChainLogger(s.logger))
		if err != nil {
			return fmt.Errorf("failed to create chain ledger: %w", err)
		}
		s.ledgerClient = c
		s.closers = append(s.closers, c.Close)
		s.health.Register("ledger", health.Ping("ledger", c.Ping))
		s.logger.Info("escrow contract ledger enabled", "contract", cfg.EscrowContract, "signer", c.Address())

	case config.LedgerStripe:
		c, err := ledger.NewStripeClient(ledger.StripeConfig{
			SecretKey:         cfg.StripeSecretKey,
			MaxNetworkRetries: int64(cfg.LedgerMaxAttempts - 1),
		}, ledger.WithStripeLogger(s.logger))
		if err != nil {
			return fmt.Errorf("failed to create stripe ledger: %w", err)
		}
		s.ledgerClient = c

	default:
		var store ledger.Store = ledger.NewMemoryStore()
		if s.db != nil {
			store = ledger.NewPostgresStore(s.db)
		}
		s.ledger = ledger.New(store).WithLogger(s.logger)
		s.ledgerClient = s.ledger
	}
	s.logger.Info("ledger backend selected", "backend", cfg.LedgerBackend)
	return nil
}

// setupCompliance stores KYC and document status in Redis when REDIS_URL
// is set, in memory otherwise.
func (s *Server) setupCompliance(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		s.compliance = compliance.NewMemoryStore(0)
		return nil
	}

	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	store := compliance.NewRedisStore(client)
	if err := store.Health(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.compliance = store
	s.closers = append(s.closers, func() { _ = client.Close() })
	s.health.Register("redis", health.Ping("redis", store.Health))
	s.logger.Info("compliance status stored in redis", "addr", opts.Addr)
	return nil
}

// setupPublishers fans domain events out to the live stream and every
// configured broker. A broker that cannot be reached at startup is
// skipped rather than failing the service.
func (s *Server) setupPublishers() {
	s.publishers = []escrow.Publisher{s.realtimeHub}

	if s.cfg.RabbitMQURL != "" {
		p, err := events.NewRabbitPublisher(s.cfg.RabbitMQURL, s.cfg.EventsExchange, s.logger)
		if err != nil {
			s.logger.Warn("rabbitmq publisher disabled", "error", err)
		} else {
			s.publishers = append(s.publishers, p)
			s.closers = append(s.closers, p.Close)
			s.health.RegisterOptional("rabbitmq", health.Ping("rabbitmq", p.Health))
		}
	}

	if len(s.cfg.KafkaBrokers) > 0 {
		p, err := events.NewKafkaPublisher(s.cfg.KafkaBrokers, s.cfg.EventsTopic)
		if err != nil {
			s.logger.Warn("kafka publisher disabled", "error", err)
		} else {
			s.publishers = append(s.publishers, p)
			s.closers = append(s.closers, p.Close)
			s.health.RegisterOptional("kafka", health.Ping("kafka", p.Health))
		}
	}

	if len(s.publishers) == 1 {
		s.publishers = append(s.publishers, events.LogPublisher{Logger: s.logger})
	}
}
