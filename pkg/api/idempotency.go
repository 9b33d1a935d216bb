package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HeaderIdempotencyKey lets a client retry intent creation without opening a
// second intent.
const HeaderIdempotencyKey = "Idempotency-Key"

// CachedResponse is a previously sent response replayed for a repeated key.
type CachedResponse struct {
	StatusCode  int       `json:"status"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	RequestHash string    `json:"request_hash,omitempty"`
	CachedAt    time.Time `json:"cached_at"`
}

func requestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// IdempotencyStore keeps responses by idempotency key.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (*CachedResponse, bool, error)
	Save(ctx context.Context, key string, resp CachedResponse) error
}

// MemoryIdempotencyStore holds cached responses in process.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]CachedResponse
	ttl     time.Duration
}

// NewMemoryIdempotencyStore creates a store whose expired entries are swept
// until ctx is done.
func NewMemoryIdempotencyStore(ctx context.Context, ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]CachedResponse),
		ttl:     ttl,
	}
	go s.cleanup(ctx, 5*time.Minute)
	return s
}

func (s *MemoryIdempotencyStore) cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expire(time.Now())
		}
	}
}

func (s *MemoryIdempotencyStore) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) > s.ttl {
			delete(s.entries, k)
		}
	}
}

func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key string) (*CachedResponse, bool, error) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && time.Since(cached.CachedAt) < s.ttl {
		return &cached, true, nil
	}
	return nil, false, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, resp CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = resp
	return nil
}

// RedisIdempotencyStore shares cached responses across replicas. Entries
// expire through Redis TTLs.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: "checkout:idempotency:"}
}

func (s *RedisIdempotencyStore) Lookup(ctx context.Context, key string) (*CachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	var cached CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false, fmt.Errorf("idempotency decode: %w", err)
	}
	return &cached, true, nil
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, resp CachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("idempotency encode: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency save: %w", err)
	}
	return nil
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first 2xx response for a repeated
// Idempotency-Key on the same route. A repeated key with a different body is
// refused with 422. Requests without a key pass through. Store failures are
// logged and the request is processed normally.
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "api.idempotency")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get(HeaderIdempotencyKey)
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(header) > 255 {
				WriteBadRequest(w, r, "Idempotency-Key must be at most 255 characters")
				return
			}
			key := r.URL.Path + ":" + header

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				WriteBadRequest(w, r, "Request body is too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			hash := requestHash(body)

			cached, ok, err := store.Lookup(r.Context(), key)
			if err != nil {
				logger.WarnContext(r.Context(), "idempotency store unavailable", "error", err)
			}
			if ok && cached.RequestHash != "" && cached.RequestHash != hash {
				WriteErrorR(w, r, http.StatusUnprocessableEntity,
					"Idempotency-Key was already used with a different request body")
				return
			}
			if ok {
				w.Header().Set("Content-Type", cached.ContentType)
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				resp := CachedResponse{
					StatusCode:  capture.statusCode,
					ContentType: w.Header().Get("Content-Type"),
					Body:        capture.body.Bytes(),
					RequestHash: hash,
					CachedAt:    time.Now(),
				}
				if err := store.Save(r.Context(), key, resp); err != nil {
					logger.WarnContext(r.Context(), "idempotency save failed", "error", err)
				}
			}
		})
	}
}
