package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	coreerrors "moltmart/core/errors"
	"moltmart/ratelimit"
)

type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type rateLimitBody struct {
	Error             string `json:"error"`
	Limit             string `json:"limit"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status of its code. Untyped errors are
// treated as internal: logged with the request id, never echoed.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	typed, ok := coreerrors.As(err)
	if !ok {
		typed = coreerrors.Internal(err)
	}
	status := coreerrors.HTTPStatus(typed.Code)

	switch typed.Code {
	case coreerrors.CodeInternal:
		a.logger.Error("request failed",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		writeJSON(w, status, errorBody{Error: "internal error", Code: string(coreerrors.CodeInternal)})
		return
	case coreerrors.CodeRateLimitExceeded:
		body := rateLimitBody{Error: typed.Message, RetryAfterSeconds: 1}
		if limit, ok := typed.Details["limit"].(string); ok {
			body.Limit = limit
		}
		if retry, ok := ratelimit.RetryAfter(typed); ok && retry >= time.Second {
			body.RetryAfterSeconds = int(retry / time.Second)
		}
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
		writeJSON(w, status, body)
		return
	}
	if status >= http.StatusInternalServerError {
		a.logger.Warn("upstream failure",
			"request_id", chimw.GetReqID(r.Context()),
			"path", r.URL.Path,
			"code", typed.Code,
			"error", err)
	}
	writeJSON(w, status, errorBody{
		Error:   typed.Message,
		Code:    string(typed.Code),
		Reason:  typed.Reason,
		Details: typed.Details,
	})
}

// readBody reads at most maxBody bytes of the request body.
func (a *api) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, a.maxBody+1))
	if err != nil {
		return nil, coreerrors.InvalidArgument("read request body: " + err.Error())
	}
	if int64(len(body)) > a.maxBody {
		return nil, coreerrors.InvalidArgument("request body too large")
	}
	return body, nil
}

// decodeJSON reads the request body into v. An empty body is rejected.
func (a *api) decodeJSON(r *http.Request, v any) error {
	body, err := a.readBody(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return coreerrors.InvalidArgument("request body is empty")
	}
	return decodeBytes(body, v)
}

func decodeBytes(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return coreerrors.InvalidArgument("invalid JSON payload")
	}
	return nil
}

// pagination parses limit and offset query parameters.
func pagination(r *http.Request, defaultLimit, maxLimit int) (int, int, error) {
	limit, offset := defaultLimit, 0
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, coreerrors.InvalidArgument("limit must be a positive integer")
		}
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, coreerrors.InvalidArgument("offset must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}

var errNoAgent = errors.New("authenticated agent missing from context")
