package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scriptorium/api/internal/authpw"
	"scriptorium/api/internal/ratelimit"
	"scriptorium/api/internal/rbac"
	"scriptorium/api/internal/search"
	"scriptorium/api/internal/session"
	"scriptorium/api/internal/util"
)

const maxBodyBytes = 8 << 20

type HTTPServer struct {
	service    *Service
	limiter    *ratelimit.Limiter
	trusted    *util.TrustedProxies
	corsOrigin string
}

// NewHTTPServer wires the routes. limiter and trusted may be nil.
func NewHTTPServer(service *Service, limiter *ratelimit.Limiter, trusted *util.TrustedProxies, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, limiter: limiter, trusted: trusted, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.withRateLimit(http.HandlerFunc(s.handle)))
}

// tokenBody is embedded in every request body; the session token travels
// in the JSON payload, with the Authorization header as a fallback.
type tokenBody struct {
	Token string `json:"token"`
}

type pageBody struct {
	tokenBody
	WorkID     string `json:"work_id"`
	PageNumber int    `json:"page_number"`
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		s.handleHealth(w, r)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use POST", nil)
		return
	}

	switch r.URL.Path {
	case "/health":
		s.handleHealth(w, r)

	// Sessions and accounts
	case "/login":
		s.handleLogin(w, r)
	case "/logout":
		s.handleLogout(w, r)
	case "/session":
		s.handleSession(w, r)
	case "/register":
		s.handleRegister(w, r)
	case "/invite/set-password":
		s.handleSetPassword(w, r)

	// Pending edits
	case "/save-pending":
		s.handleSavePending(w, r)
	case "/pending-edits":
		s.handleListPending(w, r)
	case "/pending-edits/check":
		s.handleCheckPending(w, r)
	case "/pending-edits/approve":
		s.handleReviewPending(w, r, true)
	case "/pending-edits/reject":
		s.handleReviewPending(w, r, false)

	// History
	case "/backups":
		s.handleBackups(w, r)
	case "/restore":
		s.handleRestore(w, r)
	case "/git-restore":
		s.handleGitRestore(w, r)
	case "/git-diff":
		s.handleGitDiff(w, r)
	case "/git-history":
		s.handleGitHistory(w, r)
	case "/commit-diff":
		s.handleCommitDiff(w, r)

	// Works and search
	case "/works/bulk-tags", "/works/bulk-genre", "/works/bulk-collection":
		s.handleBulk(w, r)
	case "/search":
		s.handleSearch(w, r)

	default:
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			s.handleAdmin(w, r)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// authorize resolves the caller or writes the error response.
func (s *HTTPServer) authorize(w http.ResponseWriter, r *http.Request, token string, min rbac.Role) (session.User, bool) {
	if strings.TrimSpace(token) == "" {
		token = bearerToken(r)
	}
	user, err := s.service.Authorize(r.Context(), token, min)
	if err != nil {
		if errors.Is(err, session.ErrInsufficientRole) {
			slog.Warn("app: forbidden", "request_id", RequestID(r.Context()), "path", r.URL.Path, "required", string(min))
		}
		writeServiceError(w, err)
		return session.User{}, false
	}
	return user, true
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.service.Health()
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Username) == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "username and password are required", nil)
		return
	}
	result, err := s.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{
		"token":      result.Token,
		"user":       result.User,
		"expires_at": result.ExpiresAt,
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body tokenBody
	if !decodeOrFail(w, r, &body) {
		return
	}
	token := body.Token
	if token == "" {
		token = bearerToken(r)
	}
	if err := s.service.Logout(r.Context(), token); err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	var body tokenBody
	if !decodeOrFail(w, r, &body) {
		return
	}
	user, ok := s.authorize(w, r, body.Token, rbac.RoleContributor)
	if !ok {
		return
	}
	writeOK(w, map[string]any{"authenticated": true, "user": user})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		Email       string `json:"email"`
		Message     string `json:"message"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	reg, err := s.service.Register(authpw.RegisterRequest{
		Username:    body.Username,
		DisplayName: body.DisplayName,
		Email:       body.Email,
		Message:     body.Message,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"registration_id": reg.ID, "message": "Registration received, an administrator will review it"})
}

func (s *HTTPServer) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InviteToken string `json:"invite_token"`
		Password    string `json:"password"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	user, err := s.service.RedeemInvite(body.InviteToken, body.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"user": user})
}

func (s *HTTPServer) handleSavePending(w http.ResponseWriter, r *http.Request) {
	var body struct {
		pageBody
		OriginalText string `json:"original_text"`
		NewText      string `json:"new_text"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	caller, ok := s.authorize(w, r, body.Token, rbac.RoleContributor)
	if !ok {
		return
	}
	result, err := s.service.SavePending(caller, body.WorkID, body.PageNumber, body.OriginalText, body.NewText)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{
		"edit_id":           result.Edit.ID,
		"has_other_pending": result.HasOtherPending,
	})
}

func (s *HTTPServer) handleListPending(w http.ResponseWriter, r *http.Request) {
	var body tokenBody
	if !decodeOrFail(w, r, &body) {
		return
	}
	if _, ok := s.authorize(w, r, body.Token, rbac.RoleEditor); !ok {
		return
	}
	edits, err := s.service.ListPending()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"edits": edits})
}

func (s *HTTPServer) handleCheckPending(w http.ResponseWriter, r *http.Request) {
	var body pageBody
	if !decodeOrFail(w, r, &body) {
		return
	}
	caller, ok := s.authorize(w, r, body.Token, rbac.RoleContributor)
	if !ok {
		return
	}
	view, err := s.service.CheckPending(caller, body.WorkID, body.PageNumber)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	payload := map[string]any{"own": view.Own}
	if view.OtherPending != nil {
		payload["other_pending_count"] = *view.OtherPending
	}
	writeOK(w, payload)
}

func (s *HTTPServer) handleReviewPending(w http.ResponseWriter, r *http.Request, approve bool) {
	var body struct {
		tokenBody
		EditID  string `json:"edit_id"`
		Comment string `json:"comment"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	reviewer, ok := s.authorize(w, r, body.Token, rbac.RoleEditor)
	if !ok {
		return
	}
	if strings.TrimSpace(body.EditID) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "edit_id is required", nil)
		return
	}
	if !approve {
		edit, err := s.service.RejectEdit(reviewer, body.EditID, body.Comment)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, map[string]any{"edit": edit})
		return
	}
	result, err := s.service.ApproveEdit(reviewer, body.EditID, body.Comment)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{
		"edit":         result.Edit,
		"commit":       result.Commit,
		"base_changed": result.BaseChanged,
	})
}

func (s *HTTPServer) handleBackups(w http.ResponseWriter, r *http.Request) {
	var body struct {
		pageBody
		Import bool `json:"import"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	caller, ok := s.authorize(w, r, body.Token, rbac.RoleAdmin)
	if !ok {
		return
	}
	view, err := s.service.Backups(caller, body.WorkID, body.PageNumber, body.Import)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"backups": view.Backups, "imported": view.Imported})
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		pageBody
		Backup string `json:"backup"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	caller, ok := s.authorize(w, r, body.Token, rbac.RoleAdmin)
	if !ok {
		return
	}
	commit, err := s.service.RestoreBackup(caller, body.WorkID, body.PageNumber, body.Backup)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"commit": commit})
}

func (s *HTTPServer) handleGitRestore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		pageBody
		Ref string `json:"ref"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	caller, ok := s.authorize(w, r, body.Token, rbac.RoleAdmin)
	if !ok {
		return
	}
	if strings.TrimSpace(body.Ref) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "ref is required", nil)
		return
	}
	commit, err := s.service.GitRestore(caller, body.WorkID, body.PageNumber, body.Ref)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"commit": commit})
}

func (s *HTTPServer) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	var body struct {
		pageBody
		From string `json:"from"`
		To   string `json:"to"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	if _, ok := s.authorize(w, r, body.Token, rbac.RoleAdmin); !ok {
		return
	}
	if strings.TrimSpace(body.From) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "from is required", nil)
		return
	}
	diff, err := s.service.GitDiff(body.WorkID, body.PageNumber, body.From, body.To)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"diff": diff})
}

func (s *HTTPServer) handleGitHistory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		pageBody
		Limit int `json:"limit"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	if _, ok := s.authorize(w, r, body.Token, rbac.RoleEditor); !ok {
		return
	}
	commits, err := s.service.GitHistory(body.WorkID, body.PageNumber, body.Limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleCommitDiff(w http.ResponseWriter, r *http.Request) {
	var body struct {
		pageBody
		Hash string `json:"hash"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	if _, ok := s.authorize(w, r, body.Token, rbac.RoleViewer); !ok {
		return
	}
	if strings.TrimSpace(body.Hash) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "hash is required", nil)
		return
	}
	result, err := s.service.CommitDiff(body.Hash, body.WorkID, body.PageNumber)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{
		"commit":    result.Commit,
		"diff":      result.Diff,
		"additions": result.Additions,
		"deletions": result.Deletions,
		"files":     result.Files,
	})
}

func (s *HTTPServer) handleBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		tokenBody
		WorkIDs    []string `json:"work_ids"`
		Tags       []string `json:"tags"`
		Replace    bool     `json:"replace"`
		Genre      string   `json:"genre"`
		Collection []string `json:"collection"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	admin, ok := s.authorize(w, r, body.Token, rbac.RoleAdmin)
	if !ok {
		return
	}
	var (
		report BulkReport
		err    error
	)
	switch r.URL.Path {
	case "/works/bulk-tags":
		report, err = s.service.BulkSetTags(admin, body.WorkIDs, body.Tags, body.Replace)
	case "/works/bulk-genre":
		report, err = s.service.BulkSetGenre(admin, body.WorkIDs, body.Genre)
	default:
		report, err = s.service.BulkSetCollection(admin, body.WorkIDs, body.Collection)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"results": report.Results, "succeeded": report.Succeeded, "failed": report.Failed})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		tokenBody
		Query      string `json:"query"`
		WorkID     string `json:"work_id"`
		WorkStatus string `json:"work_status"`
		PageStatus string `json:"page_status"`
		Limit      int    `json:"limit"`
		Offset     int    `json:"offset"`
	}
	if !decodeOrFail(w, r, &body) {
		return
	}
	if _, ok := s.authorize(w, r, body.Token, rbac.RoleViewer); !ok {
		return
	}
	resp, err := s.service.Search(r.Context(), search.Query{
		Text:       body.Query,
		WorkID:     body.WorkID,
		WorkStatus: body.WorkStatus,
		PageStatus: body.PageStatus,
		Limit:      body.Limit,
		Offset:     body.Offset,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query})
}

// Middleware

func (s *HTTPServer) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || r.Method != http.MethodPost || !s.limiter.Guarded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ip := util.ClientIP(r, s.trusted)
		allowed, retryAfter := s.limiter.Check(ip, r.URL.Path)
		if !allowed {
			slog.Warn("app: rate limited", "request_id", RequestID(r.Context()), "path", r.URL.Path, "ip", ip, "retry_after", retryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"status":      "error",
				"code":        "RATE_LIMITED",
				"message":     fmt.Sprintf("Too many requests, retry in %d seconds", retryAfter),
				"retry_after": retryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		slog.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeOK adds the {"status":"ok"} marker to fields.
func writeOK(w http.ResponseWriter, fields map[string]any) {
	fields["status"] = "ok"
	writeJSON(w, http.StatusOK, fields)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"status":  "error",
		"code":    code,
		"message": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("app: request failed", "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
}

func decodeOrFail(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
