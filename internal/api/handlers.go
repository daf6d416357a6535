package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/eus-proxy/internal/catalog"
	"github.com/shehryarbajwa/eus-proxy/internal/errors"
	"github.com/shehryarbajwa/eus-proxy/internal/session"
	"github.com/shehryarbajwa/eus-proxy/internal/webdriver"
)

// SessionProxy serves WebDriver requests relative to the API prefix
type SessionProxy interface {
	Handle(ctx context.Context, method, path string, body []byte) (*session.Response, error)
}

// BrowserCatalog lists the browsers that can be requested
type BrowserCatalog interface {
	Browsers() []catalog.Browser
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions SessionProxy
	catalog  BrowserCatalog
	prefix   string
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions SessionProxy, catalog BrowserCatalog, prefix string, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		catalog:  catalog,
		prefix:   strings.TrimSuffix(prefix, "/"),
		logger:   logger.Named("api"),
	}
}

// Status handles GET {prefix}/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, webdriver.NewStatus(h.catalog.Browsers()))
}

// Session handles every other request under the prefix
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, h.prefix)
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, errors.InvalidRequest("failed to read request body", err))
		return
	}

	// a client hanging up must not abandon provisioning or teardown half way
	ctx := context.WithoutCancel(r.Context())

	resp, err := h.sessions.Handle(ctx, r.Method, path, body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType())
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	status, kind := statusFor(code)

	message := err.Error()
	var cause error
	if e, ok := errors.As(err); ok {
		message = e.Message
		cause = e.Cause
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("code", string(code)), zap.Error(err))
	} else {
		h.logger.Debug("Request rejected", zap.String("code", string(code)), zap.Error(err))
	}

	writeJSON(w, status, webdriver.NewError(kind, message, cause))
}

// statusFor maps an error code to an HTTP status and a WebDriver error name
func statusFor(code errors.Code) (int, string) {
	switch code {
	case errors.CodeSessionNotFound:
		return http.StatusNotFound, "invalid session id"
	case errors.CodeInvalidRequest:
		return http.StatusBadRequest, "invalid argument"
	case errors.CodeCapacity:
		return http.StatusServiceUnavailable, "session not created"
	case errors.CodeCreateFailed:
		return http.StatusInternalServerError, "session not created"
	default:
		return http.StatusInternalServerError, "unknown error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
