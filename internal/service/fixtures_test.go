package service

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/pickup-go-api/internal/clock"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/realtime"
	"github.com/noah-isme/pickup-go-api/internal/repository"
)

// Wednesday 2025-01-01, 08:00 UTC.
var schoolMorning = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

var fastRetry = RetryPolicy{Attempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

type schoolFixture struct {
	db      *gorm.DB
	clock   *clock.FakeClock
	feed    ChangeFeed
	access  AccessService
	grants  AuthorizationService
	pickups PickupService

	requests repository.PickupRequestRepository
	history  repository.PickupHistoryRepository

	parent      models.Actor
	otherParent models.Actor
	teacher     models.Actor
	admin       models.Actor

	child      models.Child
	otherChild models.Child
	withdrawn  models.Child
}

func newServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true, Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newSchoolFixture(t *testing.T) *schoolFixture {
	t.Helper()
	db := newServiceTestDB(t)
	fx := &schoolFixture{db: db, clock: clock.Fake(schoolMorning)}

	fx.parent = seedActor(t, db, "mother@example.com", models.RoleParent)
	fx.otherParent = seedActor(t, db, "aunt@example.com", models.RoleParent)
	fx.teacher = seedActor(t, db, "teacher@example.com", models.RoleTeacher)
	fx.admin = seedActor(t, db, "admin@example.com", models.RoleAdmin)

	teacherID := fx.teacher.ID
	homeroom := models.Class{Name: "1A", TeacherID: &teacherID}
	require.NoError(t, db.Create(&homeroom).Error)
	other := models.Class{Name: "2B"}
	require.NoError(t, db.Create(&other).Error)

	fx.child = seedChild(t, db, "Alya", homeroom.ID, models.ChildStatusActive, fx.parent.ID)
	fx.otherChild = seedChild(t, db, "Bima", other.ID, models.ChildStatusActive, fx.otherParent.ID)
	fx.withdrawn = seedChild(t, db, "Citra", homeroom.ID, models.ChildStatusWithdrawn, 0)

	school := repository.NewSchoolRepository(db)
	authRepo := repository.NewAuthorizationRepository(db)
	fx.requests = repository.NewPickupRequestRepository(db)
	fx.history = repository.NewPickupHistoryRepository(db)

	fx.feed = NewChangeFeed(ChangeFeedOptions{Clock: fx.clock}, zerolog.Nop())
	fx.access = NewAccessService(school, authRepo, nil, 0, fastRetry, zerolog.Nop())
	fx.grants = NewAuthorizationService(authRepo, school, fx.access, fx.feed, nil, fx.clock, time.UTC, fastRetry, zerolog.Nop())
	fx.pickups = NewPickupService(fx.requests, fx.history, school, fx.access, fx.feed, nil, nil, PickupServiceOptions{
		Clock:             fx.clock,
		Location:          time.UTC,
		AutoCompleteDelay: DefaultAutoCompleteDelay,
		Retry:             fastRetry,
	}, zerolog.Nop())
	t.Cleanup(fx.pickups.Close)

	return fx
}

func seedActor(t *testing.T, db *gorm.DB, email, role string) models.Actor {
	t.Helper()
	actor := models.Actor{Email: email, Name: strings.Split(email, "@")[0], Role: role}
	require.NoError(t, db.Create(&actor).Error)
	return actor
}

// seedChild creates a child and, when guardianID is set, its guardianship.
func seedChild(t *testing.T, db *gorm.DB, name string, classID uint, status string, guardianID uint) models.Child {
	t.Helper()
	child := models.Child{Name: name, ClassID: classID, Status: status}
	require.NoError(t, db.Create(&child).Error)
	if guardianID != 0 {
		require.NoError(t, db.Create(&models.Guardianship{GuardianID: guardianID, ChildID: child.ID, Relationship: "mother", IsPrimary: true}).Error)
	}
	return child
}

func drainEvents(events <-chan realtime.ChangeEvent) []realtime.ChangeEvent {
	var out []realtime.ChangeEvent
	for {
		select {
		case event := <-events:
			out = append(out, event)
		default:
			return out
		}
	}
}
