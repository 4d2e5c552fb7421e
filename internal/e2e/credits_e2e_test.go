package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/lernova/credits/internal/authorization"
	"github.com/lernova/credits/internal/catalog"
	"github.com/lernova/credits/internal/clock"
	"github.com/lernova/credits/internal/config"
	"github.com/lernova/credits/internal/credit/cache"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
	"github.com/lernova/credits/internal/credit/repository"
	"github.com/lernova/credits/internal/credit/service"
	"github.com/lernova/credits/internal/credit/stream"
	"github.com/lernova/credits/internal/credit/watch"
	"github.com/lernova/credits/internal/policy"
	"github.com/lernova/credits/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// testEnv wires the full credit stack over a shared in-memory database,
// exercising the real repository, casbin enforcer, catalog, cache,
// watcher and HTTP surface together.
type testEnv struct {
	engine *gin.Engine
	clk    *clock.FakeClock
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)
	require.NoError(t, db.AutoMigrate(&creditdomain.CreditAccount{}, &creditdomain.CreditTransaction{}))

	cfg := config.Config{
		Credit: config.CreditConfig{
			BalanceTTL:          30 * time.Second,
			CacheIdleHorizon:    15 * time.Minute,
			CacheSweepInterval:  time.Minute,
			AIScanWindow:        200,
			WatchBackoffInitial: 10 * time.Millisecond,
			WatchBackoffMax:     50 * time.Millisecond,
		},
	}
	clk := clock.NewFakeClock(time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	hub := stream.NewHub()
	store := repository.NewRepository(repository.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Hub:   hub,
	})

	policies := policy.Defaults()
	cat, err := catalog.New(catalog.Params{Cfg: cfg, Log: log, Policies: policies})
	require.NoError(t, err)

	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer})

	svc := service.NewService(service.Params{
		Cfg:      cfg,
		Log:      log,
		Store:    store,
		Cache:    cache.NewBalanceCache(cache.Params{Cfg: cfg, Clock: clk, Log: log}),
		Catalog:  cat,
		Policies: policies,
		Authz:    authz,
		Clock:    clk,
	})

	watcher := watch.NewWatcher(watch.Params{
		Cfg:      cfg,
		Log:      log,
		Store:    store,
		Service:  svc,
		Policies: policies,
	})

	engine := gin.New()
	engine.Use(server.ErrorHandlingMiddleware())
	server.NewServer(server.ServerParams{
		Gin:       engine,
		Cfg:       cfg,
		Log:       log,
		CreditSvc: svc,
		Watcher:   watcher,
	})

	return &testEnv{engine: engine, clk: clk}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Actor-ID": "admin-1", "X-Actor-Role": "admin"}
}

func selfHeaders(userID string) map[string]string {
	return map[string]string{"X-Actor-ID": userID, "X-Actor-Role": "student"}
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) creditdomain.SpendResult {
	t.Helper()
	var result creditdomain.SpendResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func TestE2E_GrantSpendOverdraw(t *testing.T) {
	env := setupEnv(t)
	base := "/api/users/student-1/credits"

	// Admin funds the account.
	rec := env.do(t, http.MethodPost, base+"/grant", `{"amount":10,"reason":"welcome pack"}`, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(10), decodeResult(t, rec).Remaining)

	// The student spends an AI feature costing 5.
	rec = env.do(t, http.MethodPost, base+"/use-feature", `{"feature_key":"ai_tutor"}`, selfHeaders("student-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeResult(t, rec)
	assert.Equal(t, int64(5), result.Cost)
	assert.Equal(t, int64(5), result.Remaining)

	// An essay review costs 10: over the remaining 5.
	rec = env.do(t, http.MethodPost, base+"/use-feature", `{"feature_key":"ai_essay_review"}`, selfHeaders("student-1"))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp struct {
		Error struct {
			Type      string `json:"type"`
			Required  *int64 `json:"required"`
			Available *int64 `json:"available"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_credits", resp.Error.Type)
	require.NotNil(t, resp.Error.Required)
	assert.Equal(t, int64(10), *resp.Error.Required)
	require.NotNil(t, resp.Error.Available)
	assert.Equal(t, int64(5), *resp.Error.Available)

	// Balance is untouched by the rejected spend.
	rec = env.do(t, http.MethodGet, base, "", selfHeaders("student-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var account creditdomain.CreditAccount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.Equal(t, int64(5), account.AvailableCredits)
}

func TestE2E_GrantDeniedForNonAdmin(t *testing.T) {
	env := setupEnv(t)
	base := "/api/users/student-1/credits"

	rec := env.do(t, http.MethodPost, base+"/grant", `{"amount":100,"reason":"self serve"}`, selfHeaders("student-2"))
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, base, "", selfHeaders("student-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var account creditdomain.CreditAccount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.Zero(t, account.AvailableCredits)
}

func TestE2E_TeacherBypassesMetering(t *testing.T) {
	env := setupEnv(t)

	rec := env.do(t, http.MethodPost, "/api/users/teacher-1/credits/use-feature",
		`{"feature_key":"ai_essay_review"}`,
		map[string]string{"X-Actor-ID": "teacher-1", "X-Actor-Role": "teacher"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decodeResult(t, rec)
	assert.True(t, result.Bypassed)
	assert.True(t, result.Unlimited)
	assert.Zero(t, result.Cost)

	// No transaction was recorded for the bypass.
	rec = env.do(t, http.MethodGet, "/api/users/teacher-1/credits/transactions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Transactions []creditdomain.CreditTransaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Transactions)
}

func TestE2E_AIMonthlyLimit(t *testing.T) {
	env := setupEnv(t)
	base := "/api/users/student-1/credits"

	rec := env.do(t, http.MethodPost, base+"/grant", `{"amount":500,"reason":"load test"}`, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// One AI spend at the last instant of February, two in March. The
	// February use falls out of the window the moment March starts.
	env.clk.Set(time.Date(2026, time.February, 28, 23, 59, 59, 0, time.UTC))
	rec = env.do(t, http.MethodPost, base+"/use-feature", `{"feature_key":"ai_tutor"}`, selfHeaders("student-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	env.clk.Set(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	rec = env.do(t, http.MethodGet, base+"/ai-limit", "", selfHeaders("student-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var fresh creditdomain.AILimitStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fresh))
	assert.Zero(t, fresh.Used)
	assert.Equal(t, 50, fresh.Remaining)

	env.clk.Set(time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC))
	for i := 0; i < 2; i++ {
		rec = env.do(t, http.MethodPost, base+"/use-feature", `{"feature_key":"ai_tutor"}`, selfHeaders("student-1"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec = env.do(t, http.MethodPost, base+"/use-feature", `{"feature_key":"practice_quiz"}`, selfHeaders("student-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, base+"/ai-limit", "", selfHeaders("student-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var status creditdomain.AILimitStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Allowed)
	assert.Equal(t, 2, status.Used)
	assert.Equal(t, 48, status.Remaining)
}

func TestE2E_StreamDeliversSnapshotAndCommits(t *testing.T) {
	env := setupEnv(t)
	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	base := "/api/users/student-1/credits"
	rec := env.do(t, http.MethodPost, base+"/grant", `{"amount":10,"reason":"stream test"}`, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+base+"/stream?role=student", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan creditdomain.BalanceUpdate, 4)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var update creditdomain.BalanceUpdate
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &update) == nil {
				events <- update
			}
		}
	}()

	waitEvent := func() creditdomain.BalanceUpdate {
		select {
		case update := <-events:
			return update
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for stream event")
			return creditdomain.BalanceUpdate{}
		}
	}

	snapshot := waitEvent()
	assert.Equal(t, int64(10), snapshot.Account.AvailableCredits)

	rec = env.do(t, http.MethodPost, base+"/use-feature", `{"feature_key":"ai_tutor"}`, selfHeaders("student-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	update := waitEvent()
	assert.Equal(t, int64(5), update.Account.AvailableCredits)
}
