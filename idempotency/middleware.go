package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/warp/stock-ledger/logger"
)

// HeaderKey is the request header carrying the client's key.
const HeaderKey = "Idempotency-Key"

// Error codes written by the middleware.
const (
	CodeKeyReused   = "idempotency_key_reused"
	CodeInProgress  = "request_in_progress"
	CodeUnavailable = "idempotency_unavailable"
)

// DefaultTTL is how long a completed response is replayed.
const DefaultTTL = 24 * time.Hour

// pendingTTL bounds a claim whose handler never finished.
const pendingTTL = time.Minute

type record struct {
	Pending     bool              `json:"pending,omitempty"`
	Status      int               `json:"status,omitempty"`
	Body        string            `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RequestHash string            `json:"request_hash"`
}

// Middleware replays the stored response of a POST/PUT whose
// Idempotency-Key was already seen with the same body. A key reused with a
// different body, or whose first request is still running, gets 409.
// Requests without the header, and every request when store is nil, pass
// through. 5xx responses are not stored so the client can retry.
func Middleware(store Store, ttl time.Duration, log *logger.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(HeaderKey))
			if store == nil || id == "" || (r.Method != http.MethodPost && r.Method != http.MethodPut) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "read request body", "invalid_request")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			hash := hashBody(body)
			key := store.Key(r.Method+"|"+r.URL.Path, id)

			claim, _ := json.Marshal(record{Pending: true, RequestHash: hash})
			claimed, err := store.SetNX(ctx, key, string(claim), pendingTTL)
			if err != nil {
				log.Error(ctx, "idempotency claim failed", err)
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable", CodeUnavailable)
				return
			}
			if !claimed {
				replay(ctx, w, store, key, hash, log)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			status := defaultStatus(capture.status)
			if status >= http.StatusInternalServerError {
				if err := store.Del(context.WithoutCancel(ctx), key); err != nil {
					log.Warn(ctx, "idempotency claim not released", err)
				}
				return
			}
			rec := record{
				Status:      status,
				Body:        base64.StdEncoding.EncodeToString(capture.body.Bytes()),
				RequestHash: hash,
			}
			if ct := capture.Header().Get("Content-Type"); ct != "" {
				rec.Headers = map[string]string{"Content-Type": ct}
			}
			payload, _ := json.Marshal(rec)
			if err := store.Set(context.WithoutCancel(ctx), key, string(payload), ttl); err != nil {
				log.Warn(ctx, "idempotency record not stored", err)
			}
		})
	}
}

func replay(ctx context.Context, w http.ResponseWriter, store Store, key, hash string, log *logger.Logger) {
	stored, found, err := store.Get(ctx, key)
	if err != nil {
		log.Error(ctx, "idempotency lookup failed", err)
		writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable", CodeUnavailable)
		return
	}
	if !found {
		// Claim expired between SetNX and Get.
		writeError(w, http.StatusConflict, "request is still being processed, retry", CodeInProgress)
		return
	}

	var rec record
	if err := json.Unmarshal([]byte(stored), &rec); err != nil {
		log.Error(ctx, "idempotency record unreadable", err)
		writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable", CodeUnavailable)
		return
	}
	if rec.RequestHash != hash {
		writeError(w, http.StatusConflict, "idempotency key reused with different request body", CodeKeyReused)
		return
	}
	if rec.Pending {
		writeError(w, http.StatusConflict, "request is still being processed, retry", CodeInProgress)
		return
	}

	if ct, ok := rec.Headers["Content-Type"]; ok && ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(rec.Status)
	if decoded, err := base64.StdEncoding.DecodeString(rec.Body); err == nil {
		_, _ = w.Write(decoded)
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func defaultStatus(value int) int {
	if value == 0 {
		return http.StatusOK
	}
	return value
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
