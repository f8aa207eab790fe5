package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/punchamoorthee/satsettle/internal/auth"
	"github.com/punchamoorthee/satsettle/internal/domain"
)

// memKV is an in-process KeyValueStore.
type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (m *memKV) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memKV) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = toString(value)
	return redis.NewBoolResult(true, nil)
}

func (m *memKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = toString(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *memKV) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		panic("unsupported value type")
	}
}

func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]int32{"call": n})
	})
}

func idemRequest(t *testing.T, h http.Handler, actorID, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposits/mpesa", strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	req = req.WithContext(WithActor(req.Context(), domain.Actor{ID: actorID, Role: domain.RoleParent}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestIdempotencyReplaysSuccess(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(newMemKV())(countingHandler(&calls, http.StatusAccepted))

	first := idemRequest(t, h, "parent-a", "k1", `{"amount":"100"}`)
	second := idemRequest(t, h, "parent-a", "k1", `{"amount":"100"}`)

	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", calls.Load())
	}
	if second.Code != http.StatusAccepted {
		t.Fatalf("replay status = %d, want 202", second.Code)
	}
	if second.Header().Get("X-Idempotency-Hit") != "true" {
		t.Fatal("replay not marked as a hit")
	}
	if !bytes.Equal(bytes.TrimSpace(first.Body.Bytes()), second.Body.Bytes()) {
		t.Fatalf("replayed body %q differs from %q", second.Body.String(), first.Body.String())
	}
}

func TestIdempotencyPayloadMismatch(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(newMemKV())(countingHandler(&calls, http.StatusAccepted))

	idemRequest(t, h, "parent-a", "k1", `{"amount":"100"}`)
	rr := idemRequest(t, h, "parent-a", "k1", `{"amount":"200"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", calls.Load())
	}
}

func TestIdempotencyKeysScopedPerActor(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(newMemKV())(countingHandler(&calls, http.StatusAccepted))

	idemRequest(t, h, "parent-a", "shared", `{}`)
	rr := idemRequest(t, h, "parent-b", "shared", `{}`)
	if rr.Header().Get("X-Idempotency-Hit") != "" {
		t.Fatal("another actor's response was replayed")
	}
	if calls.Load() != 2 {
		t.Fatalf("handler ran %d times, want 2", calls.Load())
	}
}

func TestIdempotencyErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(newMemKV())(countingHandler(&calls, http.StatusServiceUnavailable))

	idemRequest(t, h, "parent-a", "k1", `{}`)
	idemRequest(t, h, "parent-a", "k1", `{}`)
	if calls.Load() != 2 {
		t.Fatalf("handler ran %d times, want 2", calls.Load())
	}
}

func TestIdempotencyInFlightConflict(t *testing.T) {
	kv := newMemKV()
	release := make(chan struct{})
	entered := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusAccepted)
	})
	h := Idempotency(kv)(slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		idemRequest(t, h, "parent-a", "k1", `{}`)
	}()
	<-entered
	rr := idemRequest(t, h, "parent-a", "k1", `{}`)
	close(release)
	<-done

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestIdempotencyWithoutKeyPassesThrough(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(newMemKV())(countingHandler(&calls, http.StatusAccepted))
	idemRequest(t, h, "parent-a", "", `{}`)
	idemRequest(t, h, "parent-a", "", `{}`)
	if calls.Load() != 2 {
		t.Fatalf("handler ran %d times, want 2", calls.Load())
	}
}

func TestIdempotencyAgainstRedis(t *testing.T) {
	addr := os.Getenv("SATSETTLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SATSETTLE_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	var calls atomic.Int32
	h := Idempotency(rdb)(countingHandler(&calls, http.StatusAccepted))
	key := "test-" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { rdb.Del(context.Background(), RedisKeyPrefix+"parent-a:"+key) })

	idemRequest(t, h, "parent-a", key, `{"amount":"100"}`)
	rr := idemRequest(t, h, "parent-a", key, `{"amount":"100"}`)
	if calls.Load() != 1 || rr.Header().Get("X-Idempotency-Hit") != "true" {
		t.Fatalf("calls=%d hit=%q", calls.Load(), rr.Header().Get("X-Idempotency-Hit"))
	}
}

func TestRequireActor(t *testing.T) {
	jwtm := auth.NewJWTManager("secret", time.Hour)
	token, err := jwtm.Generate(domain.Actor{ID: "child-x", Role: domain.RoleChild})
	if err != nil {
		t.Fatal(err)
	}

	var seen domain.Actor
	h := RequireActor(jwtm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer " + token, want: http.StatusNoContent},
		{name: "lowercase scheme", header: "bearer " + token, want: http.StatusNoContent},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = domain.Actor{}
			req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/child-x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusNoContent && seen.ID != "child-x" {
				t.Fatalf("actor not propagated: %+v", seen)
			}
		})
	}
}

func TestLoggingSetsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Header().Get(RequestIDHeader) == "" {
		t.Fatal("missing request id header")
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if line["status"] != float64(http.StatusTeapot) || line["path"] != "/health" {
		t.Fatalf("unexpected log line %v", line)
	}
}
