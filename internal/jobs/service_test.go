package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrybeapp/scrybe/internal/billing"
	"github.com/scrybeapp/scrybe/internal/database"
	"github.com/scrybeapp/scrybe/internal/dispatch"
	"github.com/scrybeapp/scrybe/internal/ledger"
	"github.com/scrybeapp/scrybe/internal/logging"
	"github.com/scrybeapp/scrybe/internal/provider"
	"github.com/scrybeapp/scrybe/pkg/models"
)

// fakeRepo mirrors the Postgres job repository's semantics: UpdateJob never
// touches status, TransitionJob is a compare-and-swap.
type fakeRepo struct {
	mu   sync.Mutex
	jobs map[string]*models.Job

	createErr error
	updateErr error

	// beforeTransition runs once before the next guarded status change,
	// to wedge a concurrent actor into the read-then-swap window.
	beforeTransition func()
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: make(map[string]*models.Job)}
}

func (r *fakeRepo) CreateJob(ctx context.Context, job *models.Job) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	stored := *job
	r.jobs[job.ID] = &stored
	return nil
}

func (r *fakeRepo) GetJob(ctx context.Context, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (r *fakeRepo) UpdateJob(ctx context.Context, job *models.Job) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[job.ID]
	if !ok {
		return database.ErrJobNotFound
	}
	status := stored.Status
	updated := *job
	updated.Status = status
	updated.UpdatedAt = time.Now()
	r.jobs[job.ID] = &updated
	return nil
}

func (r *fakeRepo) TransitionJob(ctx context.Context, jobID, from, to string) error {
	if r.beforeTransition != nil {
		hook := r.beforeTransition
		r.beforeTransition = nil
		hook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return database.ErrJobNotFound
	}
	if job.Status != from {
		return database.ErrStatusConflict
	}
	job.Status = to
	job.UpdatedAt = time.Now()
	return nil
}

func (r *fakeRepo) ListJobsByStatusOlderThan(ctx context.Context, status string, cutoff time.Time, limit int) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Job
	for _, job := range r.jobs {
		if job.Status == status && job.CreatedAt.Before(cutoff) {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakeDispatcher struct {
	repo       *fakeRepo
	syncResult *provider.Result
	syncErr    error
	asyncErr   error
	syncCalls  int
	asyncCalls int
}

func (d *fakeDispatcher) Strategy(job *models.Job) string {
	if job.DurationSeconds > 0 && job.DurationSeconds <= 300 {
		return dispatch.StrategySync
	}
	return dispatch.StrategyAsync
}

func (d *fakeDispatcher) DispatchSync(ctx context.Context, job *models.Job) (*provider.Result, error) {
	d.syncCalls++
	if d.syncErr != nil {
		return nil, d.syncErr
	}
	return d.syncResult, nil
}

func (d *fakeDispatcher) DispatchAsync(ctx context.Context, job *models.Job) error {
	d.asyncCalls++
	if d.asyncErr != nil {
		return d.asyncErr
	}
	job.ProviderJobID = "prov-" + job.ID
	return d.repo.UpdateJob(ctx, job)
}

type fakeQueue struct {
	published []string
	err       error
}

func (q *fakeQueue) PublishSubmission(ctx context.Context, jobID string) error {
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, jobID)
	return nil
}

type fakeTranscripts struct {
	uploads map[string]string
	err     error
}

func (s *fakeTranscripts) UploadTranscript(ctx context.Context, objectName, transcript string) error {
	if s.err != nil {
		return s.err
	}
	if s.uploads == nil {
		s.uploads = make(map[string]string)
	}
	s.uploads[objectName] = transcript
	return nil
}

type fixture struct {
	store       *ledger.MemoryStore
	repo        *fakeRepo
	dispatcher  *fakeDispatcher
	queue       *fakeQueue
	transcripts *fakeTranscripts
	svc         *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := ledger.NewMemoryStore()
	repo := newFakeRepo()
	dispatcher := &fakeDispatcher{
		repo: repo,
		syncResult: &provider.Result{
			Transcript:      "hello world",
			DurationSeconds: 110,
		},
	}
	q := &fakeQueue{}
	transcripts := &fakeTranscripts{}

	logger, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	svc := NewService(repo, billing.NewEngine(store), billing.NewReconciler(store),
		dispatcher, q, transcripts, logger, 60)

	return &fixture{
		store:       store,
		repo:        repo,
		dispatcher:  dispatcher,
		queue:       q,
		transcripts: transcripts,
		svc:         svc,
	}
}

func (f *fixture) seedAccount(t *testing.T, account *models.Account) {
	t.Helper()
	if account.BillingCycleStart.IsZero() {
		account.BillingCycleStart = time.Now().UTC()
		account.BillingCycleEnd = account.BillingCycleStart.AddDate(0, 1, 0)
	}
	require.NoError(t, f.store.CreateAccount(context.Background(), account))
}

func proAccount(userID string, credits int) *models.Account {
	return &models.Account{
		UserID:                  userID,
		SubscriptionPlan:        "pro",
		SubscriptionStatus:      models.SubscriptionStatusActive,
		IncludedMinutesPerMonth: 1200,
		Credits:                 credits,
	}
}

func TestSubmitSyncCompletesAndConfirms(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))

	job, result, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:          "u1",
		Mode:            models.ModeAI,
		MediaKey:        "media/a.mp3",
		DurationSeconds: 120,
	})
	require.NoError(t, err)
	require.True(t, result.OK)

	assert.Equal(t, models.JobStatusComplete, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 1, f.dispatcher.syncCalls)
	assert.Equal(t, "hello world", f.transcripts.uploads[job.TranscriptKey])

	// Usage confirmed exactly once
	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, account.MinutesUsedThisMonth)
	assert.Equal(t, 0, account.MinutesReserved)
	assert.Len(t, f.store.Usage("u1"), 1)
}

func TestSubmitInsufficientFundsCreatesNoJob(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, &models.Account{
		UserID:             "u1",
		SubscriptionPlan:   models.SubscriptionPlanNone,
		SubscriptionStatus: models.SubscriptionStatusNone,
		Credits:            5,
	})

	job, result, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:          "u1",
		Mode:            models.ModeAI,
		MediaKey:        "media/a.mp3",
		DurationSeconds: 120,
	})
	require.NoError(t, err)

	assert.Nil(t, job)
	assert.False(t, result.OK)
	assert.Empty(t, f.repo.jobs)
	assert.Empty(t, f.queue.published)
}

func TestSubmitAsyncEnqueues(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))

	job, result, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:   "u1",
		Mode:     models.ModeAI,
		MediaKey: "media/long.mp3",
		// Duration unknown: reserved at the default estimate, processed async
	})
	require.NoError(t, err)
	require.True(t, result.OK)

	assert.Equal(t, models.JobStatusAwaitingCallback, job.Status)
	assert.Equal(t, 60, job.EstimatedMinutes)
	assert.Equal(t, []string{job.ID}, f.queue.published)
	assert.Equal(t, 0, f.dispatcher.syncCalls)

	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 60, account.MinutesReserved)
}

func TestSubmitHumanModeSkipsProvider(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, &models.Account{
		UserID:                  "u1",
		SubscriptionPlan:        "business",
		SubscriptionStatus:      models.SubscriptionStatusActive,
		IncludedMinutesPerMonth: 3000,
	})

	job, result, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:          "u1",
		Mode:            models.ModeHuman,
		MediaKey:        "media/interview.wav",
		DurationSeconds: 120,
	})
	require.NoError(t, err)
	require.True(t, result.OK)

	assert.Equal(t, models.JobStatusPendingTranscription, job.Status)
	assert.Empty(t, f.queue.published)
	assert.Equal(t, 0, f.dispatcher.syncCalls)
}

func TestSubmitSyncFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	f.dispatcher.syncErr = &provider.SubmissionError{Err: errors.New("connection refused")}

	job, result, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:          "u1",
		Mode:            models.ModeAI,
		MediaKey:        "media/a.mp3",
		DurationSeconds: 120,
	})
	require.NoError(t, err)
	require.True(t, result.OK)

	stored, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "connection refused")
	assert.NotEmpty(t, stored.UserMessage)

	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.MinutesReserved)
	assert.Equal(t, 0, account.MinutesUsedThisMonth)
	assert.Empty(t, f.store.Usage("u1"))
}

func TestSubmitCreateFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	f.repo.createErr = errors.New("pq: connection reset")

	job, _, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:   "u1",
		Mode:     models.ModeAI,
		MediaKey: "media/long.mp3",
	})
	require.Error(t, err)
	assert.Nil(t, job)

	// No job row exists to reconcile later; the hold must come back now
	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.MinutesReserved)
	assert.Equal(t, 0, account.MinutesUsedThisMonth)
	assert.Empty(t, f.store.Usage("u1"))
}

func TestSubmitCreateFailureRefundsCredits(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, &models.Account{
		UserID:             "u1",
		SubscriptionPlan:   models.SubscriptionPlanNone,
		SubscriptionStatus: models.SubscriptionStatusNone,
		Credits:            700, // one 60-minute ai reservation at 10/min
	})
	f.repo.createErr = errors.New("pq: connection reset")

	_, _, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:   "u1",
		Mode:     models.ModeAI,
		MediaKey: "media/long.mp3",
	})
	require.Error(t, err)

	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 700, account.Credits)

	txns := f.store.CreditTransactions("u1")
	require.Len(t, txns, 2)
	assert.Equal(t, models.CreditTxnSpend, txns[0].Type)
	assert.Equal(t, models.CreditTxnRefund, txns[1].Type)
}

func TestQuotaErrorProducesFriendlyMessage(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	f.dispatcher.syncErr = &provider.QuotaError{Scope: provider.QuotaScopeMonthly}

	job, _, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:          "u1",
		Mode:            models.ModeAI,
		MediaKey:        "media/a.mp3",
		DurationSeconds: 120,
	})
	require.NoError(t, err)

	stored, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	quotaErr := &provider.QuotaError{Scope: provider.QuotaScopeMonthly}
	assert.Equal(t, quotaErr.UserMessage(), stored.UserMessage)
}

func submitAsync(t *testing.T, f *fixture, mode string) *models.Job {
	t.Helper()
	spec := models.TranscriptionSpec{}
	job, result, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:   "u1",
		Mode:     mode,
		MediaKey: "media/long.mp3",
		Spec:     spec,
	})
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, models.JobStatusAwaitingCallback, job.Status)
	return job
}

func TestHandleCallbackCompletes(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeAI)

	err := f.svc.HandleCallback(context.Background(), job.ID, CallbackPayload{
		Status: "done",
		Result: &provider.Result{Transcript: "done text", DurationSeconds: 240},
	})
	require.NoError(t, err)

	stored, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, stored.Status)
	assert.Equal(t, "done text", f.transcripts.uploads[stored.TranscriptKey])

	// Actual duration (4 min) is well under the 60 minute default estimate:
	// only what was transcribed counts, and the whole hold comes back.
	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, account.MinutesUsedThisMonth)
	assert.Equal(t, 0, account.MinutesReserved)
	assert.Len(t, f.store.Usage("u1"), 1)
}

func TestHandleCallbackDuplicateIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeAI)

	payload := CallbackPayload{
		Status: "done",
		Result: &provider.Result{Transcript: "text", DurationSeconds: 240},
	}
	require.NoError(t, f.svc.HandleCallback(context.Background(), job.ID, payload))

	err := f.svc.HandleCallback(context.Background(), job.ID, payload)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// No double confirmation
	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, account.MinutesUsedThisMonth)
	assert.Len(t, f.store.Usage("u1"), 1)
}

func TestHandleCallbackErrorReleases(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeAI)

	err := f.svc.HandleCallback(context.Background(), job.ID, CallbackPayload{
		Status: "error",
		Error:  "audio stream unreadable",
	})
	require.NoError(t, err)

	stored, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "audio stream unreadable")

	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.MinutesReserved)
	assert.Empty(t, f.store.Usage("u1"))
}

func TestHybridParksInPendingReview(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeHybrid)

	err := f.svc.HandleCallback(context.Background(), job.ID, CallbackPayload{
		Status: "done",
		Result: &provider.Result{Transcript: "draft", DurationSeconds: 240},
	})
	require.NoError(t, err)

	stored, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPendingReview, stored.Status)

	// Reservation still held, nothing reconciled yet
	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 60, account.MinutesReserved)
	assert.Empty(t, f.store.Usage("u1"))

	// Approval settles it
	approved, err := f.svc.ApproveReview(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, approved.Status)

	account, err = f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.MinutesReserved)
	assert.Equal(t, 4, account.MinutesUsedThisMonth)
	assert.Len(t, f.store.Usage("u1"), 1)
}

func TestRejectReviewRefundsCredits(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, &models.Account{
		UserID:             "u1",
		SubscriptionPlan:   models.SubscriptionPlanNone,
		SubscriptionStatus: models.SubscriptionStatusNone,
		Credits:            5000,
	})
	job := submitAsync(t, f, models.ModeHybrid) // 60 min at 50/min = 3000 credits

	err := f.svc.HandleCallback(context.Background(), job.ID, CallbackPayload{
		Status: "done",
		Result: &provider.Result{Transcript: "draft", DurationSeconds: 240},
	})
	require.NoError(t, err)

	rejected, err := f.svc.RejectReview(context.Background(), job.ID, "quality below standard")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, rejected.Status)

	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 5000, account.Credits, "spend refunded in full")

	txns := f.store.CreditTransactions("u1")
	require.Len(t, txns, 2)
	assert.Equal(t, models.CreditTxnSpend, txns[0].Type)
	assert.Equal(t, models.CreditTxnRefund, txns[1].Type)
	assert.Equal(t, job.ID, txns[1].JobID)
}

func TestRejectReviewLostRaceDoesNotRefund(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, &models.Account{
		UserID:             "u1",
		SubscriptionPlan:   models.SubscriptionPlanNone,
		SubscriptionStatus: models.SubscriptionStatusNone,
		Credits:            5000,
	})
	job := submitAsync(t, f, models.ModeHybrid) // 60 min at 50/min = 3000 credits

	require.NoError(t, f.svc.HandleCallback(context.Background(), job.ID, CallbackPayload{
		Status: "done",
		Result: &provider.Result{Transcript: "draft", DurationSeconds: 240},
	}))

	// A cancel lands between the reject's read and its guarded write
	f.repo.beforeTransition = func() {
		_, err := f.svc.Cancel(context.Background(), job.ID)
		require.NoError(t, err)
	}

	_, err := f.svc.RejectReview(context.Background(), job.ID, "quality below standard")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)

	// Cancellation keeps wallet debits spent; the lost reject must not pay
	// out a refund on top of it
	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2000, account.Credits)
	require.Len(t, f.store.CreditTransactions("u1"), 1)
}

func TestCompleteTranscription(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, &models.Account{
		UserID:                  "u1",
		SubscriptionPlan:        "business",
		SubscriptionStatus:      models.SubscriptionStatusActive,
		IncludedMinutesPerMonth: 3000,
	})

	job, _, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:          "u1",
		Mode:            models.ModeHuman,
		MediaKey:        "media/interview.wav",
		DurationSeconds: 600,
	})
	require.NoError(t, err)

	done, err := f.svc.CompleteTranscription(context.Background(), job.ID, "final transcript")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, done.Status)
	assert.Equal(t, "final transcript", f.transcripts.uploads[done.TranscriptKey])

	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, account.MinutesUsedThisMonth)
	assert.Equal(t, 0, account.MinutesReserved)
}

func TestCancelReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeAI)

	cancelled, err := f.svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.MinutesReserved)

	// Cancelling again is rejected
	_, err = f.svc.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRetryReentersReservation(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeAI)

	require.NoError(t, f.svc.HandleCallback(context.Background(), job.ID, CallbackPayload{
		Status: "error",
		Error:  "provider hiccup",
	}))

	retried, result, err := f.svc.Retry(context.Background(), job.ID, "de", "")
	require.NoError(t, err)
	require.True(t, result.OK)

	assert.Equal(t, models.JobStatusAwaitingCallback, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, "de", retried.Spec.Language)
	assert.Empty(t, retried.ErrorMsg)
	assert.Equal(t, []string{job.ID, job.ID}, f.queue.published)

	// A fresh hold was taken
	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 60, account.MinutesReserved)
}

func TestRetryWithoutFundsLeavesJobFailed(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, &models.Account{
		UserID:             "u1",
		SubscriptionPlan:   models.SubscriptionPlanNone,
		SubscriptionStatus: models.SubscriptionStatusNone,
		Credits:            700, // one 60-minute ai reservation at 10/min
	})
	job := submitAsync(t, f, models.ModeAI)

	require.NoError(t, f.svc.HandleCallback(context.Background(), job.ID, CallbackPayload{
		Status: "error",
		Error:  "provider hiccup",
	}))

	retried, result, err := f.svc.Retry(context.Background(), job.ID, "", "")
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, models.JobStatusFailed, retried.Status)
	assert.Len(t, f.queue.published, 1, "no resubmission without funding")
}

func TestRetryUpdateFailureReleasesFreshReservation(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeAI)

	require.NoError(t, f.svc.HandleCallback(context.Background(), job.ID, CallbackPayload{
		Status: "error",
		Error:  "provider hiccup",
	}))

	f.repo.updateErr = errors.New("pq: connection reset")
	_, _, err := f.svc.Retry(context.Background(), job.ID, "", "")
	require.Error(t, err)

	// The fresh funding never reached the row, so its hold must not linger
	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.MinutesReserved)
}

func TestRetryNonFailedJob(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeAI)

	_, _, err := f.svc.Retry(context.Background(), job.ID, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailStuckThenLateCallback(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeAI)

	stored, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.FailStuck(context.Background(), stored))

	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.MinutesReserved)

	// The provider finally calls back; the sweep already settled the job
	err = f.svc.HandleCallback(context.Background(), job.ID, CallbackPayload{
		Status: "done",
		Result: &provider.Result{Transcript: "late", DurationSeconds: 240},
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	account, err = f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.MinutesUsedThisMonth, "late callback must not confirm usage")
}

func TestSweeperFailsStuckJobs(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeAI)

	// Age the job past the cutoff
	f.repo.mu.Lock()
	f.repo.jobs[job.ID].CreatedAt = time.Now().Add(-48 * time.Hour)
	f.repo.mu.Unlock()

	logger, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	sweeper := NewSweeper(f.svc, f.repo, time.Minute, 24*time.Hour, logger)
	sweeper.sweep(context.Background())

	stored, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)

	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.MinutesReserved)
}

func TestDispatchQueuedStaleTask(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeAI)

	_, err := f.svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	// The queued task arrives after cancellation: nothing happens
	require.NoError(t, f.svc.DispatchQueued(context.Background(), job.ID))
	assert.Equal(t, 0, f.dispatcher.asyncCalls)
}

func TestDispatchQueuedSubmissionFailure(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))
	job := submitAsync(t, f, models.ModeAI)
	f.dispatcher.asyncErr = fmt.Errorf("dial tcp: connection refused")

	require.NoError(t, f.svc.DispatchQueued(context.Background(), job.ID))

	stored, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)

	account, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.MinutesReserved)
}

func TestSubmitRejectsMismatchedSpec(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, proAccount("u1", 0))

	_, _, err := f.svc.Submit(context.Background(), SubmitRequest{
		UserID:   "u1",
		Mode:     models.ModeAI,
		MediaKey: "media/a.mp3",
		Spec:     models.TranscriptionSpec{Human: &models.HumanSpec{Verbatim: true}},
	})
	assert.Error(t, err)
}
