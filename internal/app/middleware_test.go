package app

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"facilityops/api/internal/archive"
	"facilityops/api/internal/auth"
	"facilityops/api/internal/authpw"
	"facilityops/api/internal/workflow"
)

func TestIPLimiterBucketsPerClient(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	l := newIPLimiter(1, 2)
	l.now = func() time.Time { return now }

	if !l.allow("10.0.0.1") || !l.allow("10.0.0.1") {
		t.Fatal("expected burst of two to pass")
	}
	if l.allow("10.0.0.1") {
		t.Fatal("expected third request in the same instant to be limited")
	}
	if !l.allow("10.0.0.2") {
		t.Fatal("expected a different client to have its own bucket")
	}
	now = now.Add(time.Second)
	if !l.allow("10.0.0.1") {
		t.Fatal("expected a token to refill after one second")
	}
}

func TestIPLimiterDropsIdleVisitors(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	l := newIPLimiter(1, 1)
	l.now = func() time.Time { return now }
	l.allow("10.0.0.1")
	now = now.Add(visitorIdle + time.Minute)
	l.allow("10.0.0.2")
	if _, ok := l.visitors["10.0.0.1"]; ok {
		t.Fatal("expected idle visitor to be swept")
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	l := newIPLimiter(1, 1)
	handler := l.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rr.Code)
		}
	}
}

func TestRateLimitIgnoresForwardedForUnlessProxyTrusted(t *testing.T) {
	for _, tc := range []struct {
		name       string
		trustProxy bool
		second     int
	}{
		{"untrusted header is ignored", false, http.StatusTooManyRequests},
		{"trusted proxy separates clients", true, http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.svc.cfg.RateLimitRPS = 1
			env.svc.cfg.RateLimitBurst = 1
			env.svc.cfg.TrustProxy = tc.trustProxy
			handler := NewHTTPServer(env.svc).Handler()

			for i, ip := range []string{"203.0.113.7", "203.0.113.8"} {
				req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
				req.RemoteAddr = "10.0.0.1:4711"
				req.Header.Set("X-Forwarded-For", ip)
				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, req)
				want := http.StatusOK
				if i == 1 {
					want = tc.second
				}
				if rr.Code != want {
					t.Fatalf("request from %s: expected %d, got %d", ip, want, rr.Code)
				}
			}
		})
	}
}

func TestRecoveryTurnsPanicsInto500(t *testing.T) {
	env := newTestEnv(t)
	server := NewHTTPServer(env.svc)
	handler := server.withRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if payload := expectStatus(t, rr, http.StatusInternalServerError); payload["code"] != "SERVER_ERROR" {
		t.Fatalf("expected SERVER_ERROR, got %v", payload)
	}
}

func TestMapError(t *testing.T) {
	key := workflow.Key{Kind: "group", TenantID: "t", ID: "g1"}
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&workflow.ConflictError{Key: key, Status: workflow.EditedByOther, OwnerName: "Alma"}, http.StatusConflict, "EDITED_BY_OTHER"},
		{&workflow.ConflictError{Key: key, Status: workflow.DeletedByOther, OwnerName: "Bo"}, http.StatusConflict, "DELETED_BY_OTHER"},
		{workflow.Invalid("name", "is required"), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{fmt.Errorf("approve: %w", workflow.ErrIllegalTransition), http.StatusConflict, "ILLEGAL_TRANSITION"},
		{workflow.ErrSameApprover, http.StatusConflict, "SAME_APPROVER"},
		{workflow.ErrNothingPublished, http.StatusConflict, "NOTHING_PUBLISHED"},
		{workflow.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{archive.ErrNoSuchRevision, http.StatusNotFound, "NOT_FOUND"},
		{&workflow.TxError{Op: "create", Key: key, Err: workflow.ErrNotFound}, http.StatusInternalServerError, "OPERATION_FAILED"},
		{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED"},
		{authpw.ErrWeakPassword, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{errForbidden, http.StatusForbidden, "FORBIDDEN"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range cases {
		status, code, _, _ := mapError(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}
