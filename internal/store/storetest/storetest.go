// Package storetest opens throwaway in-memory stores for tests in other packages.
package storetest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Database opens an isolated in-memory SQLite database with every store model migrated.
func Database(testContext testing.TB) *gorm.DB {
	testContext.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(testContext.Name(), "/", "_"))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(store.Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

// Service wraps Database in a store.Service.
func Service(testContext testing.TB) *store.Service {
	testContext.Helper()
	service, err := store.NewService(store.ServiceConfig{Database: Database(testContext)})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	return service
}
