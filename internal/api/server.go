package api

import (
	"log"

	"github.com/tovutilabs/nexus-cards/internal/auth"
	"github.com/tovutilabs/nexus-cards/internal/config"
	"github.com/tovutilabs/nexus-cards/internal/store"
	"github.com/tovutilabs/nexus-cards/internal/webhooks"
)

type Server struct {
	Cfg     *config.Config
	Store   store.Store
	Engine  *webhooks.Engine
	Auth    *auth.Verifier
	Broker  EventBroker
	Limiter *ipLimiter
}

// NewServer wires the store, webhook engine, broker and auth from config.
// Without a database URL the in-memory store is used.
func NewServer(cfg *config.Config) (*Server, error) {
	var s store.Store
	if cfg.Database.URL == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			if err := sp.MigrateDir("db/migrations"); err != nil {
				log.Printf("migrations: %v", err)
			}
		}
		s = sp
	}
	var broker EventBroker
	if cfg.Redis.URL != "" {
		if rb, err := NewRedisBroker(cfg.Redis.URL); err == nil {
			broker = rb
		} else {
			log.Printf("redis broker unavailable, using in-memory: %v", err)
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}
	return &Server{
		Cfg:     cfg,
		Store:   s,
		Engine:  webhooks.NewEngine(s),
		Auth:    auth.NewVerifier(cfg.Auth),
		Broker:  broker,
		Limiter: newIPLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}, nil
}

// NewWebhookWorker creates the background retry worker.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Engine, s.Cfg.Webhooks.PollInterval)
}
