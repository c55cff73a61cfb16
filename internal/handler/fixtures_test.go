package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/pickup-go-api/internal/clock"
	"github.com/noah-isme/pickup-go-api/internal/config"
	"github.com/noah-isme/pickup-go-api/internal/handler"
	"github.com/noah-isme/pickup-go-api/internal/middleware"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/repository"
	"github.com/noah-isme/pickup-go-api/internal/router"
	"github.com/noah-isme/pickup-go-api/internal/service"
)

const testSecret = "handler-test-secret"

// Wednesday 2025-01-01, 08:00 UTC.
var schoolMorning = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

type apiStack struct {
	app     *fiber.App
	clock   *clock.FakeClock
	pickups service.PickupService

	parent      models.Actor
	otherParent models.Actor
	teacher     models.Actor
	admin       models.Actor

	homeroom   models.Class
	child      models.Child
	otherChild models.Child
}

func newAPIStack(t *testing.T) *apiStack {
	t.Helper()

	dsn := fmt.Sprintf("file:api_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true, Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))
	t.Cleanup(func() { _ = sqlDB.Close() })

	stack := &apiStack{clock: clock.Fake(schoolMorning)}
	stack.parent = createActor(t, db, "mother@example.com", models.RoleParent)
	stack.otherParent = createActor(t, db, "uncle@example.com", models.RoleParent)
	stack.teacher = createActor(t, db, "teacher@example.com", models.RoleTeacher)
	stack.admin = createActor(t, db, "admin@example.com", models.RoleAdmin)

	teacherID := stack.teacher.ID
	stack.homeroom = models.Class{Name: "1A", TeacherID: &teacherID}
	require.NoError(t, db.Create(&stack.homeroom).Error)
	other := models.Class{Name: "3C"}
	require.NoError(t, db.Create(&other).Error)

	stack.child = createChild(t, db, "Alya", stack.homeroom.ID, stack.parent.ID)
	stack.otherChild = createChild(t, db, "Bima", other.ID, stack.otherParent.ID)

	nop := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	retry := service.RetryPolicy{Attempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	actorRepo := repository.NewActorRepository(db)
	schoolRepo := repository.NewSchoolRepository(db)
	authRepo := repository.NewAuthorizationRepository(db)
	requestRepo := repository.NewPickupRequestRepository(db)
	historyRepo := repository.NewPickupHistoryRepository(db)

	feed := service.NewChangeFeed(service.ChangeFeedOptions{Clock: stack.clock}, nop)
	identity := service.NewIdentityService(actorRepo, service.DefaultIdentitySources(actorRepo, nil), time.Minute, stack.clock, nop)
	access := service.NewAccessService(schoolRepo, authRepo, nil, 0, retry, nop)
	grants := service.NewAuthorizationService(authRepo, schoolRepo, access, feed, validate, stack.clock, time.UTC, retry, nop)
	departures := service.NewDepartureService(authRepo, schoolRepo, requestRepo, access, validate, stack.clock, time.UTC, retry, nop)
	stack.pickups = service.NewPickupService(requestRepo, historyRepo, schoolRepo, access, feed, nil, validate, service.PickupServiceOptions{
		Clock:    stack.clock,
		Location: time.UTC,
		Retry:    retry,
	}, nop)
	t.Cleanup(stack.pickups.Close)

	activity := service.NewActivityService(repository.NewActivityLogRepository(db), access, validate, stack.clock, time.UTC, retry, nop)
	activityCtx, stopActivity := context.WithCancel(context.Background())
	activity.Start(activityCtx, feed)
	t.Cleanup(stopActivity)

	cfg := config.Config{AppName: "Pickup API", AppEnv: "test", Timezone: time.UTC}
	stack.app = fiber.New()
	middleware.Register(stack.app, middleware.Config{Logger: &nop})
	router.Register(stack.app, cfg, router.Dependencies{
		PickupHandler: handler.NewPickupHandler(stack.pickups, access, validate, nop),
		LiveHandler: handler.NewLiveHandler(stack.pickups, access, feed, handler.LiveOptions{
			Debounce:     10 * time.Millisecond,
			MaxWait:      50 * time.Millisecond,
			PollInterval: time.Hour,
		}, nop),
		AuthorizationHandler: handler.NewAuthorizationHandler(grants, validate, nop),
		DepartureHandler:     handler.NewDepartureHandler(departures, validate, nop),
		AccessHandler:        handler.NewAccessHandler(access, stack.pickups.Now, time.UTC, nop),
		SessionHandler:       handler.NewSessionHandler(identity, access, nop),
		ActivityHandler:      handler.NewActivityHandler(activity, nop),
		JWTMiddleware:        middleware.JWTProtected(testSecret),
		IdentityMiddleware:   middleware.ResolveActor(identity),
	})

	return stack
}

func createActor(t *testing.T, db *gorm.DB, email, role string) models.Actor {
	t.Helper()
	actor := models.Actor{Email: email, Name: strings.Split(email, "@")[0], Role: role}
	require.NoError(t, db.Create(&actor).Error)
	return actor
}

func createChild(t *testing.T, db *gorm.DB, name string, classID, guardianID uint) models.Child {
	t.Helper()
	child := models.Child{Name: name, ClassID: classID, Status: models.ChildStatusActive}
	require.NoError(t, db.Create(&child).Error)
	require.NoError(t, db.Create(&models.Guardianship{GuardianID: guardianID, ChildID: child.ID, Relationship: "mother", IsPrimary: true}).Error)
	return child
}

func tokenFor(t *testing.T, actor models.Actor) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   fmt.Sprintf("%d", actor.ID),
		"email": actor.Email,
		"sid":   fmt.Sprintf("session-%d", actor.ID),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type envelope struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Code    string                 `json:"code"`
	Data    json.RawMessage        `json:"data"`
	Meta    map[string]interface{} `json:"meta"`
	Details map[string]string      `json:"details"`
}

func (s *apiStack) do(t *testing.T, actor *models.Actor, method, path string, body interface{}) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, *actor))
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func decodeData(t *testing.T, payload envelope, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(payload.Data, target))
}
