package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrybeapp/scrybe/pkg/models"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewCacheWithClient(client)
	t.Cleanup(func() { c.Close() })

	return c, mr
}

func TestJobCacheRoundTrip(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	job := &models.Job{
		ID:     "j1",
		UserID: "u1",
		Mode:   models.ModeAI,
		Status: models.JobStatusAwaitingCallback,
		Spec:   models.TranscriptionSpec{Language: "en"},
	}
	require.NoError(t, c.SetJob(ctx, job, time.Minute))

	got, err := c.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, models.JobStatusAwaitingCallback, got.Status)
	assert.Equal(t, "en", got.Spec.Language)

	require.NoError(t, c.DeleteJob(ctx, "j1"))
	got, err = c.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, got, "deleted job reads as a cache miss")
}

func TestGetJobCacheMiss(t *testing.T) {
	c, _ := testCache(t)

	job, err := c.GetJob(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestAccountCacheRoundTrip(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	account := &models.Account{
		UserID:  "u1",
		Credits: 450,
	}
	require.NoError(t, c.SetAccount(ctx, account, time.Minute))

	got, err := c.GetAccount(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 450, got.Credits)

	require.NoError(t, c.DeleteAccount(ctx, "u1"))
	got, err = c.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJobCacheExpiry(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetJob(ctx, &models.Job{ID: "j1"}, time.Second))

	mr.FastForward(2 * time.Second)

	got, err := c.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCallbackLock(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	acquired, err := c.AcquireCallbackLock(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Duplicate delivery loses the lock
	acquired, err = c.AcquireCallbackLock(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Different job is unaffected
	acquired, err = c.AcquireCallbackLock(ctx, "j2", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, c.ReleaseCallbackLock(ctx, "j1"))
	acquired, err = c.AcquireCallbackLock(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// The lock self-expires if the holder dies
	mr.FastForward(2 * time.Minute)
	acquired, err = c.AcquireCallbackLock(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}
