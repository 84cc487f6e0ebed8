package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

const (
	testToken   = "tok-ops-1"
	testAdminID = "admin-ops"
	testReqID   = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	actionPath  = "/admin/projects/:project_id/escrow/actions"
)

func setupEcho(rdb *redis.Client, ttl time.Duration, handler echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	g := e.Group("/admin", AdminKeyAuth(map[string]string{testToken: testAdminID}))
	g.POST("/projects/:project_id/escrow/actions", handler, Idempotency(rdb, ttl, nil))
	g.GET("/projects/:project_id/escrow/actions", handler, Idempotency(rdb, ttl, nil))
	return e
}

func mkJSONBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(b)
}

func doReq(t *testing.T, e *echo.Echo, method, path string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, rdb
}

func validHeaders() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + testToken,
		"Ax-Request-Id": testReqID,
		"Ax-Request-At": time.Now().UTC().Format(time.RFC3339),
	}
}

func okCreatedHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "project": c.Param("project_id")})
}

func Test_BypassOnGET_NoHeadersRequired(t *testing.T) {
	mr, rdb := newMiniredisClient(t)
	defer mr.Close()
	e := setupEcho(rdb, 30*time.Second, okCreatedHandler)

	rec := doReq(t, e, http.MethodGet, "/admin/projects/p1/escrow/actions", nil, map[string]string{"Authorization": "Bearer " + testToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func Test_ValidationFailures(t *testing.T) {
	mr, rdb := newMiniredisClient(t)
	defer mr.Close()
	e := setupEcho(rdb, 30*time.Second, okCreatedHandler)

	cases := map[string]func(h map[string]string){
		"missing Ax-Request-Id": func(h map[string]string) { delete(h, "Ax-Request-Id") },
		"invalid Ax-Request-Id": func(h map[string]string) { h["Ax-Request-Id"] = "NOT-VALID" },
		"invalid Ax-Request-At": func(h map[string]string) { h["Ax-Request-At"] = "not-a-time" },
		"skewed Ax-Request-At": func(h map[string]string) {
			h["Ax-Request-At"] = time.Now().UTC().Add(-maxClockSkew - time.Minute).Format(time.RFC3339)
		},
	}
	for name, mutate := range cases {
		h := validHeaders()
		mutate(h)
		rec := doReq(t, e, http.MethodPost, "/admin/projects/p1/escrow/actions", mkJSONBody(t, map[string]string{"action": "status"}), h)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s => want 400, got %d", name, rec.Code)
		}
	}
}

func Test_HappyPath_Then_Replay(t *testing.T) {
	mr, rdb := newMiniredisClient(t)
	defer mr.Close()
	var calls int32
	e := setupEcho(rdb, 2*time.Minute, func(c echo.Context) error {
		atomic.AddInt32(&calls, 1)
		return okCreatedHandler(c)
	})

	h := validHeaders()
	rec1 := doReq(t, e, http.MethodPost, "/admin/projects/p1/escrow/actions", mkJSONBody(t, map[string]any{"action": "release"}), h)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request => want 200, got %d, body: %s", rec1.Code, rec1.Body.String())
	}

	rec2 := doReq(t, e, http.MethodPost, "/admin/projects/p1/escrow/actions", mkJSONBody(t, map[string]any{"action": "release"}), h)
	if rec2.Code != http.StatusOK {
		t.Fatalf("replay => want 200, got %d, body: %s", rec2.Code, rec2.Body.String())
	}
	if rec1.Body.String() != rec2.Body.String() {
		t.Fatalf("replay body mismatch: %q vs %q", rec1.Body.String(), rec2.Body.String())
	}
	if rec2.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay should be flagged")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
}

func Test_ServerError_ReleasesLock(t *testing.T) {
	mr, rdb := newMiniredisClient(t)
	defer mr.Close()
	var calls int32
	e := setupEcho(rdb, 2*time.Minute, func(c echo.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "boom"})
		}
		return okCreatedHandler(c)
	})

	h := validHeaders()
	rec := doReq(t, e, http.MethodPost, "/admin/projects/p1/escrow/actions", mkJSONBody(t, map[string]any{"action": "refund"}), h)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("first => want 500, got %d", rec.Code)
	}
	rec = doReq(t, e, http.MethodPost, "/admin/projects/p1/escrow/actions", mkJSONBody(t, map[string]any{"action": "refund"}), h)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry after 500 => want 200, got %d", rec.Code)
	}
}

func Test_KeyedPerAdmin(t *testing.T) {
	mr, rdb := newMiniredisClient(t)
	defer mr.Close()
	var calls int32
	e := echo.New()
	g := e.Group("/admin", AdminKeyAuth(map[string]string{testToken: testAdminID, "tok-2": "admin-two"}))
	g.POST("/projects/:project_id/escrow/actions", func(c echo.Context) error {
		atomic.AddInt32(&calls, 1)
		return okCreatedHandler(c)
	}, Idempotency(rdb, time.Minute, nil))

	h := validHeaders()
	doReq(t, e, http.MethodPost, "/admin/projects/p1/escrow/actions", bytes.NewReader([]byte(`{}`)), h)
	h["Authorization"] = "Bearer tok-2"
	doReq(t, e, http.MethodPost, "/admin/projects/p1/escrow/actions", bytes.NewReader([]byte(`{}`)), h)
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("same request id from two admins must both run, got %d", n)
	}
}

func Test_Conflict_When_InProgress(t *testing.T) {
	mr, rdb := newMiniredisClient(t)
	defer mr.Close()
	e := setupEcho(rdb, 2*time.Minute, okCreatedHandler)

	body := []byte(`{"action":"release"}`)
	key := buildKey(http.MethodPost, actionPath, testAdminID, testReqID)
	entry := replayEntry{
		InProgress:  true,
		BodySHA256:  bodyHash(body),
		RequestID:   testReqID,
		RequestAtMS: time.Now().UnixMilli(),
		CreatedAt:   time.Now().UTC(),
	}
	if ok, err := provisionalSet(context.Background(), rdb, key, entry); err != nil || !ok {
		t.Fatalf("seed provisional failed, ok=%v err=%v", ok, err)
	}

	rec := doReq(t, e, http.MethodPost, "/admin/projects/p1/escrow/actions", bytes.NewReader(body), validHeaders())
	if rec.Code != http.StatusConflict {
		t.Fatalf("in-progress => want 409, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func Test_Conflict_When_SameReqID_DifferentBody(t *testing.T) {
	mr, rdb := newMiniredisClient(t)
	defer mr.Close()
	e := setupEcho(rdb, 2*time.Minute, okCreatedHandler)

	key := buildKey(http.MethodPost, actionPath, testAdminID, testReqID)
	final := replayEntry{
		Code:        http.StatusOK,
		Body:        []byte(`{"ok":true}`),
		BodySHA256:  bodyHash([]byte(`{"action":"release"}`)),
		RequestID:   testReqID,
		RequestAtMS: time.Now().UnixMilli(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := saveFinal(context.Background(), rdb, key, final, 5*time.Minute); err != nil {
		t.Fatalf("seed final failed: %v", err)
	}

	rec := doReq(t, e, http.MethodPost, "/admin/projects/p1/escrow/actions", bytes.NewReader([]byte(`{"action":"refund"}`)), validHeaders())
	if rec.Code != http.StatusConflict {
		t.Fatalf("different body same reqID => want 409, got %d", rec.Code)
	}
}

func Test_StoreUnavailable_Returns503(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	e := setupEcho(rdb, time.Minute, okCreatedHandler)

	rec := doReq(t, e, http.MethodPost, "/admin/projects/p1/escrow/actions", bytes.NewReader([]byte(`{}`)), validHeaders())
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("store unavailable => want 503, got %d", rec.Code)
	}
}

func Test_NilClientPassesThrough(t *testing.T) {
	e := setupEcho(nil, time.Minute, okCreatedHandler)
	rec := doReq(t, e, http.MethodPost, "/admin/projects/p1/escrow/actions", bytes.NewReader([]byte(`{}`)),
		map[string]string{"Authorization": "Bearer " + testToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("nil redis => want 200, got %d", rec.Code)
	}
}
