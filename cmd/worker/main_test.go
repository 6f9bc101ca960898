package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestOpsRouter(t *testing.T) {
	t.Parallel()

	// Redis client pointing at nothing: pings fail.
	deadRedis := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	router := opsRouter(fakePinger{}, deadRedis)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "liveness never depends on backing stores")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadyzFailsOnDB(t *testing.T) {
	t.Parallel()

	deadRedis := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	router := opsRouter(fakePinger{err: context.DeadlineExceeded}, deadRedis)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db unavailable")
}
