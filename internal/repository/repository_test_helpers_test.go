package repository

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sandeepkv93/keygate/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDBForTest(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&domain.Keysystem{}, &domain.Checkpoint{}, &domain.Session{}, &domain.CallbackEntry{}, &domain.Key{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedKeysystem(t *testing.T, db *gorm.DB, id string, checkpoints int) *domain.Keysystem {
	t.Helper()
	ks := &domain.Keysystem{
		ID:               id,
		OwnerID:          "owner-1",
		Name:             "ks " + id,
		Active:           true,
		MaxKeysPerPerson: 1,
		MaxKeyLimit:      10,
	}
	for i := 0; i < checkpoints; i++ {
		ks.Checkpoints = append(ks.Checkpoints, domain.Checkpoint{
			ID:          fmt.Sprintf("%s-cp-%d", id, i),
			Position:    i,
			Provider:    domain.ProviderLootLabs,
			RedirectURL: "https://example.test/cp",
		})
	}
	if err := db.Create(ks).Error; err != nil {
		t.Fatalf("seed keysystem: %v", err)
	}
	return ks
}
