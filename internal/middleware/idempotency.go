package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	IdempotencyHeader = "Idempotency-Key"

	IdempotencyCacheTTL = 24 * time.Hour

	// LockTimeout bounds how long a crashed request can hold a key. It covers
	// the STK push timeout.
	LockTimeout = 90 * time.Second

	RedisKeyPrefix = "satsettle:idempotency:"
	LockKeyPrefix  = "satsettle:lock:"
)

// KeyValueStore is the subset of *redis.Client the middleware uses.
type KeyValueStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type cachedResponse struct {
	RequestHash string          `json:"request_hash"`
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body"`
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *responseRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped to the authenticated actor, so it must run after
// RequireActor. Reusing a key with a different body is rejected with 422, and
// a key whose first request is still running gets 409. Only 2xx responses are
// cached. Requests without the header pass through.
func Idempotency(rdb KeyValueStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			scope := key
			if actor, ok := ActorFromContext(ctx); ok {
				scope = actor.ID + ":" + key
			}
			cacheKey := RedisKeyPrefix + scope
			lockKey := LockKeyPrefix + scope

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			reqHash := hex.EncodeToString(sum[:])

			raw, err := rdb.Get(ctx, cacheKey).Bytes()
			switch {
			case err == nil:
				var cached cachedResponse
				if err := json.Unmarshal(raw, &cached); err != nil {
					slog.ErrorContext(ctx, "corrupt idempotency record", "key", key, "error", err)
					writeError(w, http.StatusInternalServerError, "internal server error")
					return
				}
				if cached.RequestHash != reqHash {
					writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different payload")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Hit", "true")
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				return
			case !errors.Is(err, redis.Nil):
				slog.ErrorContext(ctx, "idempotency lookup failed", "key", key, "error", err)
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}

			acquired, err := rdb.SetNX(ctx, lockKey, reqHash, LockTimeout).Result()
			if err != nil {
				slog.ErrorContext(ctx, "idempotency lock failed", "key", key, "error", err)
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}
			if !acquired {
				writeError(w, http.StatusConflict, "a request with this idempotency key is in progress")
				return
			}
			bg := context.WithoutCancel(ctx)
			defer func() {
				if err := rdb.Del(bg, lockKey).Err(); err != nil {
					slog.WarnContext(ctx, "failed to release idempotency lock", "key", key, "error", err)
				}
			}()

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode < 200 || rec.statusCode >= 300 {
				return
			}
			record, err := json.Marshal(cachedResponse{RequestHash: reqHash, Status: rec.statusCode, Body: bytes.TrimSpace(rec.body.Bytes())})
			if err != nil {
				slog.WarnContext(ctx, "cannot encode idempotency record", "key", key, "error", err)
				return
			}
			if err := rdb.Set(bg, cacheKey, record, IdempotencyCacheTTL).Err(); err != nil {
				slog.WarnContext(ctx, "failed to cache idempotent response", "key", key, "error", err)
			}
		})
	}
}
