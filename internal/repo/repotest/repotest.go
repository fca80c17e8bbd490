// Package repotest opens throwaway, fully migrated SQLite databases for tests.
package repotest

import (
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-voice-queue/internal/repo"
)

// NewDB returns an isolated in-memory database with every table migrated.
// The pool is pinned to one connection so goroutines under test serialize on
// it instead of failing with shared-cache lock errors.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := "file:vcq_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
