// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTasks/services/api/config"
	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
	"github.com/AleutianAI/AleutianTasks/services/api/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.GinMode = gin.TestMode
	cfg.Database.Migrate = false
	cfg.RateLimit.RPS = 0
	return cfg
}

func mockFactory(t *testing.T, capacity int) (*session.Factory, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	f := session.NewFactory(sqlx.NewDb(db, "sqlmock"), session.Config{
		MaxSessions: capacity,
		WaitTimeout: 50 * time.Millisecond,
	}, quietLogger())
	t.Cleanup(func() { _ = f.Close() })
	return f, mock
}

func newTestService(t *testing.T, cfg config.Config, opts ...Option) Service {
	t.Helper()
	f, _ := mockFactory(t, 4)
	base := []Option{WithSessionFactory(f), WithLogger(quietLogger()), WithVersion("test")}
	svc, err := New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func get(svc Service, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	return w
}

func TestNew_ComposesNineGroups(t *testing.T) {
	svc := newTestService(t, testConfig())

	counts := svc.Table().Introspect()
	assert.Len(t, counts, 9)
	assert.Equal(t, 71, svc.Table().Len())
	assert.Equal(t, 10, counts["tasks"])
	assert.Equal(t, 5, counts["health"])
}

func TestService_HealthAndUnknownRoutes(t *testing.T) {
	svc := newTestService(t, testConfig())

	w := get(svc, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(svc, "/health/routes")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(svc, "/nowhere")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "route_not_found", body["code"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestService_MetricsEndpoint(t *testing.T) {
	svc := newTestService(t, testConfig())
	get(svc, "/health/live")

	w := get(svc, MetricsPath)

	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, `aleutian_tasks_routes{tag="tasks"} 10`)
	assert.Contains(t, out, `aleutian_tasks_http_requests_total{method="GET",status="200",tag="health"} 1`)
	assert.Contains(t, out, "aleutian_tasks_sessions_in_use 0")
}

func TestService_AdminToken(t *testing.T) {
	cfg := testConfig()
	cfg.AdminToken = "s3cret"
	svc := newTestService(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, get(svc, "/admin/version").Code)
	assert.Equal(t, http.StatusUnauthorized, get(svc, "/admin/version", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, get(svc, "/admin/version", "Authorization", "Bearer s3cret").Code)
}

func TestService_AdminDisabledByDefault(t *testing.T) {
	svc := newTestService(t, testConfig())

	assert.Equal(t, http.StatusForbidden, get(svc, "/admin/version").Code)
	assert.Equal(t, http.StatusForbidden, get(svc, "/admin/documents/auth_identity").Code)
}

func TestService_AdminConfigIsRedacted(t *testing.T) {
	cfg := testConfig()
	cfg.Database.URL = "postgres://tasks:secret@db/tasks"
	cfg.AdminToken = "s3cret"
	svc := newTestService(t, cfg)

	w := get(svc, "/admin/config", "Authorization", "Bearer s3cret")

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret@")
	assert.Contains(t, w.Body.String(), "xxxxx")
}

func TestNew_ExtraGroupWithDuplicatePrefixFails(t *testing.T) {
	f, _ := mockFactory(t, 1)
	dup := routegroup.RouteGroup{
		Name:     "tasks-v2",
		Prefix:   "/tasks/",
		Tag:      "tasks-v2",
		Provider: routegroup.ProviderFunc(func() []routegroup.Endpoint { return nil }),
	}

	_, err := New(context.Background(), testConfig(),
		WithSessionFactory(f), WithLogger(quietLogger()), WithGroups(dup))

	require.Error(t, err)
	assert.ErrorIs(t, err, routegroup.ErrDuplicatePrefix)
}

func TestNew_ExtraGroupIsMounted(t *testing.T) {
	extra := routegroup.RouteGroup{
		Name:   "reports",
		Prefix: "/reports",
		Tag:    "reports",
		Provider: routegroup.ProviderFunc(func() []routegroup.Endpoint {
			return []routegroup.Endpoint{{
				Method:  http.MethodGet,
				Path:    "/daily",
				Handler: func(c *gin.Context) { c.String(http.StatusOK, "daily") },
			}}
		}),
	}
	svc := newTestService(t, testConfig(), WithGroups(extra))

	w := get(svc, "/reports/daily")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "daily", w.Body.String())
	assert.Equal(t, 72, svc.Table().Len())
}

func TestNew_MigratesWhenConfigured(t *testing.T) {
	f, mock := mockFactory(t, 1)
	mock.MatchExpectationsInOrder(true)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS documents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	cfg := testConfig()
	cfg.Database.Migrate = true

	svc, err := New(context.Background(), cfg, WithSessionFactory(f), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer svc.Close()

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 0, f.Stats().InUse)
}

func TestNew_UnsupportedDatabaseURL(t *testing.T) {
	cfg := testConfig()
	cfg.Database.URL = "mysql://root@localhost/tasks"

	_, err := New(context.Background(), cfg, WithLogger(quietLogger()))

	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrUnsupportedURL)
}

func TestClose_LeavesInjectedFactoryOpen(t *testing.T) {
	f, _ := mockFactory(t, 1)
	svc, err := New(context.Background(), testConfig(), WithSessionFactory(f), WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	s, err := f.Acquire(context.Background())
	require.NoError(t, err)
	s.Release()
}

func TestRun_StopsOnCancelAndRunsBeacon(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Port = 0
	cfg.ShutdownTimeout = time.Second
	cfg.Beacon.Enabled = true
	cfg.Beacon.PIDFile = filepath.Join(dir, "api.pid")
	cfg.Beacon.HeartbeatFile = filepath.Join(dir, "api.heartbeat")
	svc := newTestService(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Beacon.PIDFile)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err := os.Stat(cfg.Beacon.PIDFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.Beacon.HeartbeatFile)
	assert.NoError(t, err)
}

func TestNewSpanExporter_ClosesGRPCConn(t *testing.T) {
	ctx := context.Background()
	exporter, closeConn, err := newSpanExporter(ctx, "localhost:4317")
	require.NoError(t, err)
	require.NoError(t, exporter.Shutdown(ctx))

	require.NoError(t, closeConn())
	assert.Error(t, closeConn(), "connection already closed")
}

func TestNewSpanExporter_Stdout(t *testing.T) {
	exporter, closeConn, err := newSpanExporter(context.Background(), config.OTelStdout)
	require.NoError(t, err)
	assert.NotNil(t, exporter)
	assert.NoError(t, closeConn())
}
