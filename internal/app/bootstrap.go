// Package app is the composition root: it wires configuration,
// infrastructure, the core.Service facade, the REST/WebSocket transport,
// and the River-backed background workers into one runnable Application.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"github.com/campaignforge/core/internal/api"
	"github.com/campaignforge/core/internal/api/middleware"
	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/config"
	"github.com/campaignforge/core/internal/core"
	"github.com/campaignforge/core/internal/infrastructure"
	"github.com/campaignforge/core/internal/jobs"
	"github.com/campaignforge/core/internal/pkg/worker"
)

// defaultTokenTTL is how long an issued JWT remains valid.
const defaultTokenTTL = 12 * time.Hour

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	DB      *infrastructure.DatabaseClients
	Pools   *worker.Pools
	Service *core.Service
}

// Bootstrap wires the database, the core.Service facade, the River workers,
// and the HTTP router. Returns an Application ready for Start.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database clients: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:   cfg.Worker.GeneralPoolSize,
		RecomputePoolSize: cfg.Worker.RecomputePoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	gate := authz.NewGate(core.MembershipLookupFromDB(db.Pool))
	svc := core.New(db.Pool, gate)

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewForkWorker(svc))
	river.AddWorker(workers, jobs.NewMergeWorker(svc))
	river.AddWorker(workers, jobs.NewRecomputeWorker(svc))

	if err := db.InitRiverClient(workers, cfg.River); err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("init river client: %w", err)
	}

	jwtCfg := middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.SessionSecret),
		Issuer:     "campaignforge-core",
		ExpiresIn:  defaultTokenTTL,
	}
	for _, key := range cfg.Security.JWTVerificationKeys {
		jwtCfg.VerificationKeys = append(jwtCfg.VerificationKeys, []byte(key))
	}

	handlers := api.NewHandlers(svc)

	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg, handlers, jwtCfg),
		DB:      db,
		Pools:   pools,
		Service: svc,
	}, nil
}
