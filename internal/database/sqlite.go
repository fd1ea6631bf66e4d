package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/inbox"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models lists every table the daemon owns.
func Models() []any {
	models := append([]any{}, store.Models()...)
	models = append(models, inbox.Models()...)
	return append(models, &migrationRecord{})
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, zapLogger); err != nil {
		return nil, err
	}

	if zapLogger != nil {
		zapLogger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
