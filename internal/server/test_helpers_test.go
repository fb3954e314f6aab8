package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/auth"
	"github.com/franciszver/lexforge-sub002/internal/database"
	"github.com/franciszver/lexforge-sub002/internal/realtime"
	"github.com/franciszver/lexforge-sub002/internal/store/sqlstore"
	"github.com/franciszver/lexforge-sub002/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testSigningSecret = "test-signing-secret"

type testEnvironment struct {
	handler *Handler
	store   *sqlstore.Store
	issuer  *auth.TokenIssuer
}

func newTestEnvironment(t *testing.T, logger *zap.Logger) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	sqlStore, err := sqlstore.New(sqlstore.Config{
		Database:   db,
		Dispatcher: realtime.NewDispatcher(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Profiles:         userService,
		PresenceStore:    sqlStore,
		StateStore:       sqlStore,
		Sessions: SessionSettings{
			DebounceWindow: 20 * time.Millisecond,
			CursorInterval: 10 * time.Millisecond,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testEnvironment{handler: handler, store: sqlStore, issuer: issuer}
}

func (e *testEnvironment) token(t *testing.T, userID, email, name string) string {
	t.Helper()
	token, _, err := e.issuer.IssueSessionToken(context.Background(), auth.Identity{
		UserID:      userID,
		Email:       email,
		DisplayName: name,
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (e *testEnvironment) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}
