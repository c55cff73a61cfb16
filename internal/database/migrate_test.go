package database

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

func TestMigrateOnSQLiteSkipsTrigger(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:migrate_test?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, Migrate(db))
	require.True(t, db.Migrator().HasTable(&models.PickupRequest{}))
	require.True(t, db.Migrator().HasTable("pickup_authorization_children"))
	require.True(t, db.Migrator().HasIndex(&models.PickupRequest{}, "idx_pickup_active_student"))
}
