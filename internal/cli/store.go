package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-voice-queue/internal/config"
	"github.com/tbourn/go-voice-queue/internal/repo"
	"github.com/tbourn/go-voice-queue/internal/services"
)

// openStore connects to the configured database and migrates the schema.
func openStore(cfg config.Config) (*gorm.DB, error) {
	db, err := repo.Open(repo.Options{
		Driver:      cfg.DB.Driver,
		SQLitePath:  cfg.DB.Path,
		PostgresDSN: cfg.DB.PostgresDSN,
		Tracing:     cfg.OTEL.Enabled,
		LogSQL:      cfg.DB.LogSQL,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DB.Driver, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		closeStore(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func closeStore(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// newQueueService applies the queue tunables to a QueueService.
func newQueueService(db *gorm.DB, q config.QueueConfig, log zerolog.Logger) *services.QueueService {
	s := services.NewQueueService(db, log)
	s.TTL = q.RequestTTL
	s.BaseDelay = q.BaseDelay
	s.MaxDelay = q.MaxDelay
	s.BatchSize = q.BatchSize
	s.MaxErrorLen = q.MaxErrorLen
	return s
}
