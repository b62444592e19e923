package idempotency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FAKES
// =============================================================================

// fakeCmd is an in-process stand-in for the redis commands we use.
type fakeCmd struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeCmd() *fakeCmd {
	return &fakeCmd{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeCmd) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func (f *fakeCmd) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeCmd) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = value.(string)
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCmd) SetNX(_ context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeCmd) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// =============================================================================
// REDIS STORE TESTS
// =============================================================================

func TestRedisStore_RoundTrip(t *testing.T) {
	cmd := newFakeCmd()
	store := newRedisStore(cmd)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "redis.Nil maps to not found")

	ok, err := store.SetNX(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.SetNX(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v3", time.Hour))
	v, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v3", v)
	assert.Equal(t, time.Hour, cmd.ttls["k"])

	require.NoError(t, store.Del(ctx, "k"))
	_, found, _ = store.Get(ctx, "k")
	assert.False(t, found)
	assert.NoError(t, store.Ping(ctx))
}

func TestRedisStore_Errors(t *testing.T) {
	cmd := newFakeCmd()
	cmd.err = errors.New("connection refused")
	store := newRedisStore(cmd)

	_, _, err := store.Get(context.Background(), "k")
	assert.ErrorContains(t, err, "connection refused")
	assert.Error(t, store.Ping(context.Background()))
}

func TestRedisStore_Key(t *testing.T) {
	store := newRedisStore(newFakeCmd())
	assert.Equal(t, "ledger:idempotency:POST|/api/x:abc", store.Key("POST|/api/x", "abc"))
}

func TestNewRedisStore_RejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "")
	assert.Error(t, err)
	_, err = NewRedisStore(context.Background(), "http://not-redis")
	assert.ErrorContains(t, err, "parsing redis url")
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"before":5,"after":3}`))
	})
}

func post(body, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/branches/SANCAK/adjustments", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	return req
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	// GIVEN: A terminal double-submits the same adjustment
	// WHEN: The second request carries the same key and body
	// THEN: The first response is replayed and the delta applied once

	store := newRedisStore(newFakeCmd())
	calls := 0
	h := Middleware(store, time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, post(`{"delta":-2}`, "k1"))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, post(`{"delta":-2}`, "k1"))

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"before":5,"after":3}`, second.Body.String())
}

func TestMiddleware_KeyReusedWithDifferentBody(t *testing.T) {
	store := newRedisStore(newFakeCmd())
	calls := 0
	h := Middleware(store, time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	h.ServeHTTP(httptest.NewRecorder(), post(`{"delta":-2}`, "k1"))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, post(`{"delta":-3}`, "k1"))

	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Contains(t, resp.Body.String(), CodeKeyReused)
	assert.Equal(t, 1, calls)
}

func TestMiddleware_InFlightDuplicate(t *testing.T) {
	cmd := newFakeCmd()
	store := newRedisStore(cmd)
	calls := 0
	h := Middleware(store, time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	// Simulate the first request still running by leaving its claim in place.
	body := `{"delta":-2}`
	claim := `{"pending":true,"request_hash":"` + hashBody([]byte(body)) + `"}`
	cmd.data[store.Key("POST|/api/branches/SANCAK/adjustments", "k1")] = claim

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, post(body, "k1"))
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Contains(t, resp.Body.String(), CodeInProgress)
	assert.Equal(t, 0, calls)
}

func TestMiddleware_ServerErrorReleasesClaim(t *testing.T) {
	store := newRedisStore(newFakeCmd())
	calls := 0
	h := Middleware(store, time.Hour, nil)(countingHandler(&calls, http.StatusServiceUnavailable))

	h.ServeHTTP(httptest.NewRecorder(), post(`{"delta":-2}`, "k1"))
	h.ServeHTTP(httptest.NewRecorder(), post(`{"delta":-2}`, "k1"))
	assert.Equal(t, 2, calls, "a failed request may be retried with the same key")
}

func TestMiddleware_PassThrough(t *testing.T) {
	calls := 0
	handler := countingHandler(&calls, http.StatusOK)

	// No header.
	Middleware(newRedisStore(newFakeCmd()), 0, nil)(handler).ServeHTTP(httptest.NewRecorder(), post(`{}`, ""))
	// No store configured.
	Middleware(nil, 0, nil)(handler).ServeHTTP(httptest.NewRecorder(), post(`{}`, "k"))
	// Reads are never de-duplicated.
	get := httptest.NewRequest(http.MethodGet, "/api/branches", nil)
	get.Header.Set(HeaderKey, "k")
	Middleware(newRedisStore(newFakeCmd()), 0, nil)(handler).ServeHTTP(httptest.NewRecorder(), get)

	assert.Equal(t, 3, calls)
}

func TestMiddleware_StoreDown(t *testing.T) {
	cmd := newFakeCmd()
	cmd.err = errors.New("connection refused")
	calls := 0
	h := Middleware(newRedisStore(cmd), time.Hour, nil)(countingHandler(&calls, http.StatusOK))

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, post(`{}`, "k1"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, 0, calls)
}
