package repository

import (
	"testing"

	"github.com/nimasrn/followup-gateway/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entities lists every table the store owns, in creation order.
func Entities() []interface{} {
	return []interface{}{&TemplateEntity{}, &DeliveryEntity{}, &AckEntity{}, &TransitionEntity{}}
}

// OpenTestDB returns an in-memory sqlite database with the schema applied.
// The pool is pinned to one connection so every goroutine sees the same database.
func OpenTestDB(t testing.TB) *pg.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(Entities()...))

	return pg.New(db, db)
}
