package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrybeapp/scrybe/internal/cache"
	"github.com/scrybeapp/scrybe/internal/dispatch"
	"github.com/scrybeapp/scrybe/internal/jobs"
	"github.com/scrybeapp/scrybe/internal/logging"
	"github.com/scrybeapp/scrybe/internal/middleware"
	"github.com/scrybeapp/scrybe/pkg/models"
)

func testAPI(t *testing.T) *API {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewCacheWithClient(client)
	t.Cleanup(func() { c.Close() })

	return &API{
		cache:          c,
		callbackSecret: "test-secret",
	}
}

// fakeAuth stands in for JWTAuth in handler tests.
func fakeAuth(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.AuthContextKey, userID)
	}
}

func TestTranscriptionCallbackRejectsBadToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	api := testAPI(t)

	router := gin.New()
	router.POST("/api/v1/callbacks/transcription", api.transcriptionCallback)

	tests := []struct {
		name string
		url  string
	}{
		{"missing token", "/api/v1/callbacks/transcription?job_id=j1"},
		{"wrong token", "/api/v1/callbacks/transcription?job_id=j1&token=deadbeef"},
		{"token for another job", "/api/v1/callbacks/transcription?job_id=j1&token=" + dispatch.CallbackToken("test-secret", "j2")},
		{"missing job id", "/api/v1/callbacks/transcription?token=abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", tt.url, nil)
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

// errorJobRepo fails every operation, standing in for a database outage.
type errorJobRepo struct{ err error }

func (r *errorJobRepo) CreateJob(ctx context.Context, job *models.Job) error { return r.err }
func (r *errorJobRepo) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return nil, r.err
}
func (r *errorJobRepo) UpdateJob(ctx context.Context, job *models.Job) error { return r.err }
func (r *errorJobRepo) TransitionJob(ctx context.Context, jobID, from, to string) error {
	return r.err
}
func (r *errorJobRepo) ListJobsByStatusOlderThan(ctx context.Context, status string, cutoff time.Time, limit int) ([]*models.Job, error) {
	return nil, r.err
}

func TestTranscriptionCallbackFailureReleasesLock(t *testing.T) {
	gin.SetMode(gin.TestMode)
	api := testAPI(t)

	logger, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	api.svc = jobs.NewService(&errorJobRepo{err: errors.New("db down")},
		nil, nil, nil, nil, nil, logger, 60)

	router := gin.New()
	router.POST("/api/v1/callbacks/transcription", api.transcriptionCallback)

	url := "/api/v1/callbacks/transcription?job_id=j1&token=" + dispatch.CallbackToken("test-secret", "j1")
	deliver := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", url, strings.NewReader(`{"status":"done"}`))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusInternalServerError, deliver())

	// The failed delivery must not hold the dedup lock: the provider's
	// redelivery gets a fresh attempt, not a "duplicate" answer
	assert.Equal(t, http.StatusInternalServerError, deliver())
}

func TestGetJobServedFromCache(t *testing.T) {
	gin.SetMode(gin.TestMode)
	api := testAPI(t)

	job := &models.Job{
		ID:     "j1",
		UserID: "u1",
		Mode:   models.ModeAI,
		Status: models.JobStatusComplete,
	}
	require.NoError(t, api.cache.SetJob(context.Background(), job, time.Minute))

	router := gin.New()
	router.GET("/api/v1/jobs/:id", fakeAuth("u1"), api.getJob)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/jobs/j1", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, models.JobStatusComplete, got.Status)
}

func TestGetJobCacheHitWrongOwner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	api := testAPI(t)

	job := &models.Job{ID: "j1", UserID: "u1", Status: models.JobStatusComplete}
	require.NoError(t, api.cache.SetJob(context.Background(), job, time.Minute))

	router := gin.New()
	router.GET("/api/v1/jobs/:id", fakeAuth("intruder"), api.getJob)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/jobs/j1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
