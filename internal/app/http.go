package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"facilityops/api/internal/facility"
	"facilityops/api/internal/rbac"
	"facilityops/api/internal/store"
	"facilityops/api/internal/workflow"
)

type HTTPServer struct {
	service *Service
	log     *zap.Logger
	limiter *ipLimiter
}

func NewHTTPServer(service *Service) *HTTPServer {
	s := &HTTPServer{service: service, log: service.log}
	if service.cfg.RateLimitRPS > 0 {
		s.limiter = newIPLimiter(service.cfg.RateLimitRPS, service.cfg.RateLimitBurst)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	if s.service.cfg.TrustProxy {
		r.Use(chimid.RealIP)
	}
	r.Use(withRequestID)
	r.Use(s.withLogging)
	r.Use(s.withRecovery)
	r.Use(newCORS(s.service.cfg.CORSOrigin).Handler)
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}
	r.Use(chimid.Compress(5))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		})
		api.Get("/ready", s.handleReady)

		api.Route("/auth", func(ar chi.Router) {
			ar.Post("/signin", s.handleSignIn)
			ar.Post("/refresh", s.handleRefresh)
			ar.Post("/logout", s.handleLogout)
			ar.Post("/reset-password/request", s.handleRequestReset)
			ar.Post("/reset-password", s.handleResetPassword)
		})
		api.Get("/session", s.handleSession)

		api.Group(func(pr chi.Router) {
			pr.Use(s.requireSession)

			pr.Route("/users", func(ur chi.Router) {
				ur.Use(s.requireAction(rbac.ActionAdmin))
				ur.Get("/", s.handleListUsers)
				ur.Post("/", s.handleCreateUser)
				ur.Put("/{userID}/role", s.handleUpdateUserRole)
				ur.Post("/{userID}/deactivate", s.handleDeactivateUser)
			})

			pr.With(s.requireAction(rbac.ActionRead)).Get("/search", s.handleSearch)

			engines := s.service.engines
			mountWorkflow(s, pr, engines.Groups)
			mountWorkflow(s, pr, engines.Divisions)
			mountWorkflow(s, pr, engines.Correctives, s.mountAttachments)
			mountWorkflow(s, pr, engines.Notices)
			mountWorkflow(s, pr, engines.Roles)
		})
	})
	return r
}

// requireAction checks the caller's role before the handler runs.
func (s *HTTPServer) requireAction(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			if !s.service.Can(sess.Role, action) {
				s.log.Info("access denied",
					zap.String("request_id", requestIDFrom(r.Context())),
					zap.String("user", sess.UserID),
					zap.String("role", sess.Role),
					zap.String("action", string(action)),
				)
				s.writeMappedError(w, r, errForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func sessionPayload(sess Session) map[string]any {
	return map[string]any{
		"token":        sess.Token,
		"refreshToken": sess.RefreshToken,
		"userId":       sess.UserID,
		"userName":     sess.UserName,
		"role":         sess.Role,
		"tenantId":     sess.TenantID,
		"expiresAt":    sess.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Logout(r.Context(), body.RefreshToken); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	anonymous := map[string]any{"authenticated": false, "userName": nil}
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, anonymous)
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, anonymous)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userName":      sess.UserName,
		"userId":        sess.UserID,
		"role":          sess.Role,
		"tenantId":      sess.TenantID,
	})
}

func (s *HTTPServer) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	devToken, err := s.service.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	payload := map[string]any{"ok": true}
	if devToken != "" {
		payload["resetToken"] = devToken
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ResetPassword(r.Context(), body.Token, body.Password); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type userResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toUserResponse(u store.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Active:      u.Active(),
		CreatedAt:   u.CreatedAt,
	}
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	users, err := s.service.ListUsers(r.Context(), sess)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (s *HTTPServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var body ProvisionUserInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.ProvisionUser(r.Context(), sess, body)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": toUserResponse(user)})
}

func (s *HTTPServer) handleUpdateUserRole(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.UpdateUserRole(r.Context(), sess, chi.URLParam(r, "userID"), body.Role); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	if err := s.service.DeactivateUser(r.Context(), sess, chi.URLParam(r, "userID")); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	q := r.URL.Query()
	kind := workflow.Kind(strings.ToLower(strings.TrimSpace(q.Get("kind"))))
	if kind != "" && !knownKind(kind) {
		writeError(w, http.StatusBadRequest, "INVALID_KIND", fmt.Sprintf("unknown kind %q", kind), nil)
		return
	}
	resp := s.service.Search(r.Context(), sess, q.Get("q"), kind, queryInt(q.Get("limit")), queryInt(q.Get("offset")))
	writeJSON(w, http.StatusOK, resp)
}

func knownKind(kind workflow.Kind) bool {
	for _, k := range facility.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func queryInt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

// writeMappedError logs faults with the request id; domain errors are only
// mapped.
func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

const maxJSONBody = 1 << 20

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
