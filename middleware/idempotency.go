// Package middleware holds HTTP middleware shared by the gateway routes.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fortflux/models"
)

type idempotencyKeyContext string

const contextKeyIdempotency idempotencyKeyContext = "idempotency-key"

// WithIdempotency replays the stored response for requests that repeat an
// Idempotency-Key header. Requests without the header pass through untouched.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		var record models.IdempotencyKey
		if err := db.First(&record, "key = ?", key).Error; err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = w.Write([]byte(record.Response))
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		stored := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			Response:  recorder.buf,
			CreatedAt: time.Now(),
		}
		if stored.Status == 0 {
			stored.Status = http.StatusOK
		}
		_ = db.Create(&stored).Error
	})
}

// IdempotencyKeyFromContext returns the key attached by WithIdempotency.
func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(contextKeyIdempotency).(string)
	return key, ok
}

type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}
