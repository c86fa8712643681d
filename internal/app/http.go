package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"

	"pipecd/api/internal/auth"
)

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TokenParser verifies a bearer token without the revocation check.
type TokenParser interface {
	Claims(token string) (auth.Claims, error)
}

// TokenRevoker records a token as revoked until it expires.
type TokenRevoker interface {
	Revoke(ctx context.Context, key string, expiresAt time.Time) error
}

type HTTPServerConfig struct {
	Schema  graphql.Schema
	Builder *ContextBuilder
	// Database is always checked by /api/ready; Checks adds named extras.
	Database   Pinger
	Checks     map[string]Pinger
	Tokens     TokenParser
	Revoker    TokenRevoker
	Metrics    *Metrics
	CORSOrigin string
	Logger     *slog.Logger
}

type HTTPServer struct {
	cfg    HTTPServerConfig
	logger *slog.Logger
}

func NewHTTPServer(cfg HTTPServerConfig) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	return &HTTPServer{cfg: cfg, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)
	r.Post("/api/session/logout", s.handleLogout)

	r.Post("/graphql", s.handleGraphQLPost)
	r.Get("/graphql", s.handleGraphQLGet)

	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}

	deps := map[string]Pinger{"database": s.cfg.Database}
	for name, pinger := range s.cfg.Checks {
		deps[name] = pinger
	}
	for name, pinger := range deps {
		if pinger == nil {
			continue
		}
		if err := pinger.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleLogout revokes the presented access token for the rest of its
// lifetime.
func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Revoker == nil || s.cfg.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "REVOCATION_UNAVAILABLE", "Token revocation is not configured", nil)
		return
	}
	token := auth.BearerToken(r.Header)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Bearer token required", nil)
		return
	}
	claims, err := s.cfg.Tokens.Claims(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Bearer token invalid", nil)
		return
	}
	expiresAt := time.Now()
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if err := s.cfg.Revoker.Revoke(r.Context(), auth.RevocationKey(claims, token), expiresAt); err != nil {
		s.logger.ErrorContext(r.Context(), "revoke token failed",
			"request_id", requestIDFrom(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "LOGOUT_FAILED", "Logout failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

func (s *HTTPServer) handleGraphQLPost(w http.ResponseWriter, r *http.Request) {
	var body graphQLRequest
	if err := decodeBody(r, &body); err != nil {
		writeGraphQLError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.execute(w, r, body)
}

// handleGraphQLGet serves queries from the URL. Mutations are refused so
// a link or prefetch can never change data.
func (s *HTTPServer) handleGraphQLGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body := graphQLRequest{
		Query:         q.Get("query"),
		OperationName: q.Get("operationName"),
	}
	if raw := q.Get("variables"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &body.Variables); err != nil {
			writeGraphQLError(w, http.StatusBadRequest, "variables must be a JSON object")
			return
		}
	}
	if isMutation(body.Query, body.OperationName) {
		w.Header().Set("Allow", http.MethodPost)
		writeGraphQLError(w, http.StatusMethodNotAllowed, "Mutations must be sent with POST")
		return
	}
	s.execute(w, r, body)
}

func (s *HTTPServer) execute(w http.ResponseWriter, r *http.Request, body graphQLRequest) {
	if strings.TrimSpace(body.Query) == "" {
		writeGraphQLError(w, http.StatusBadRequest, "query is required")
		return
	}

	rc := s.cfg.Builder.Build(r)
	ctx := WithRequestContext(r.Context(), rc)

	result := graphql.Do(graphql.Params{
		Schema:         s.cfg.Schema,
		RequestString:  body.Query,
		VariableValues: body.Variables,
		OperationName:  body.OperationName,
		Context:        ctx,
	})

	status := http.StatusOK
	if result.Data == nil && result.HasErrors() {
		status = http.StatusBadRequest
	}
	tagErrors(result)
	writeJSON(w, status, result)
}

// tagErrors gives every error an extensions.code. Errors raised before
// execution (parse, validation, variable coercion) are the caller's fault;
// anything else unclassified is internal.
func tagErrors(result *graphql.Result) {
	fallback := string(KindInternal)
	if result.Data == nil {
		fallback = string(KindBadUserInput)
	}
	for i := range result.Errors {
		if _, ok := result.Errors[i].Extensions["code"]; ok {
			continue
		}
		if result.Errors[i].Extensions == nil {
			result.Errors[i].Extensions = map[string]any{}
		}
		result.Errors[i].Extensions["code"] = fallback
	}
}

func isMutation(query, operationName string) bool {
	doc, err := parser.Parse(parser.ParseParams{Source: query})
	if err != nil {
		return false
	}
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		if operationName != "" && (op.Name == nil || op.Name.Value != operationName) {
			continue
		}
		if op.Operation == ast.OperationTypeMutation {
			return true
		}
	}
	return false
}

func writeGraphQLError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"errors": []gqlerrors.FormattedError{{
			Message:    message,
			Extensions: map[string]any{"code": string(KindBadUserInput)},
		}},
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = "req_" + uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.cfg.CORSOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
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

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
