package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/scrybeapp/scrybe/internal/billing"
	"github.com/scrybeapp/scrybe/internal/database"
	"github.com/scrybeapp/scrybe/internal/dispatch"
	"github.com/scrybeapp/scrybe/internal/logging"
	"github.com/scrybeapp/scrybe/internal/metrics"
	"github.com/scrybeapp/scrybe/internal/provider"
	"github.com/scrybeapp/scrybe/internal/storage"
	"github.com/scrybeapp/scrybe/pkg/models"
)

// Repository defines the job persistence the service needs.
type Repository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	TransitionJob(ctx context.Context, jobID, from, to string) error
	ListJobsByStatusOlderThan(ctx context.Context, status string, cutoff time.Time, limit int) ([]*models.Job, error)
}

// Engine is the reservation engine contract.
type Engine interface {
	Reserve(ctx context.Context, userID, mode string, estimatedMinutes int) (*billing.ReservationResult, error)
}

// Reconciler is the usage reconciliation contract.
type Reconciler interface {
	ConfirmUsage(ctx context.Context, userID string, usage billing.Usage) error
	ReleaseReservation(ctx context.Context, userID string, reservedMinutes int) error
	GrantCredits(ctx context.Context, userID string, amount int, txnType, jobID, memo string) error
}

// Dispatcher selects and executes a processing strategy.
type Dispatcher interface {
	Strategy(job *models.Job) string
	DispatchSync(ctx context.Context, job *models.Job) (*provider.Result, error)
	DispatchAsync(ctx context.Context, job *models.Job) error
}

// SubmissionQueue hands async submissions to the worker.
type SubmissionQueue interface {
	PublishSubmission(ctx context.Context, jobID string) error
}

// TranscriptStore persists finished transcripts.
type TranscriptStore interface {
	UploadTranscript(ctx context.Context, objectName, transcript string) error
}

// Service drives jobs through the status state machine. It is the only
// caller of ConfirmUsage and ReleaseReservation: every reconciling
// transition goes through a compare-and-swap guard first, so for each job
// exactly one of the two ever runs.
type Service struct {
	repo        Repository
	engine      Engine
	reconciler  Reconciler
	dispatcher  Dispatcher
	queue       SubmissionQueue
	transcripts TranscriptStore
	log         *logging.Logger

	defaultEstimatedMinutes int
}

// NewService creates a job service
func NewService(repo Repository, engine Engine, reconciler Reconciler, dispatcher Dispatcher,
	queue SubmissionQueue, transcripts TranscriptStore, log *logging.Logger, defaultEstimatedMinutes int) *Service {
	if defaultEstimatedMinutes <= 0 {
		defaultEstimatedMinutes = 60
	}
	return &Service{
		repo:                    repo,
		engine:                  engine,
		reconciler:              reconciler,
		dispatcher:              dispatcher,
		queue:                   queue,
		transcripts:             transcripts,
		log:                     log,
		defaultEstimatedMinutes: defaultEstimatedMinutes,
	}
}

// SubmitRequest describes a new transcription job.
type SubmitRequest struct {
	UserID          string
	Mode            string
	MediaKey        string
	DurationSeconds int
	Spec            models.TranscriptionSpec
}

// Submit reserves funding and, on success, creates the job and starts
// processing. On a funding failure no job is persisted; the reservation
// result carries the gap for the caller to surface.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, *billing.ReservationResult, error) {
	if !models.ValidMode(req.Mode) {
		return nil, nil, fmt.Errorf("unknown mode %q", req.Mode)
	}
	if req.MediaKey == "" {
		return nil, nil, fmt.Errorf("media key is required")
	}
	if err := req.Spec.Validate(req.Mode); err != nil {
		return nil, nil, fmt.Errorf("invalid spec: %w", err)
	}

	estimated := s.estimateMinutes(req.DurationSeconds)
	result, err := s.engine.Reserve(ctx, req.UserID, req.Mode, estimated)
	if err != nil {
		return nil, nil, err
	}
	if !result.OK {
		metrics.ReservationFailuresTotal.WithLabelValues(result.Reason).Inc()
		return nil, result, nil
	}
	metrics.ReservationsTotal.WithLabelValues(result.Source).Inc()

	job := &models.Job{
		ID:                      uuid.New().String(),
		UserID:                  req.UserID,
		Mode:                    req.Mode,
		MediaKey:                req.MediaKey,
		DurationSeconds:         req.DurationSeconds,
		EstimatedMinutes:        estimated,
		FundingSource:           result.Source,
		CreditsUsed:             result.CreditsUsed,
		MinutesFromSubscription: result.MinutesFromSubscription,
		MinutesReserved:         result.MinutesFromSubscription,
		Spec:                    req.Spec,
	}

	if err := s.startProcessing(ctx, job); err != nil {
		return nil, nil, err
	}

	metrics.JobsCreatedTotal.WithLabelValues(job.Mode).Inc()
	s.log.LogJobEvent(job.ID, "submitted", job.Status, map[string]interface{}{
		"mode": job.Mode, "funding_source": job.FundingSource,
	})
	return job, result, nil
}

// startProcessing persists the job in its first billable status and kicks
// off the chosen strategy. The reservation is already held, so any failure
// from here on routes through failJob to release it.
func (s *Service) startProcessing(ctx context.Context, job *models.Job) error {
	if job.Mode == models.ModeHuman {
		job.Status = models.JobStatusPendingTranscription
		if err := s.repo.CreateJob(ctx, job); err != nil {
			return s.abandonReservation(ctx, job, err)
		}
		return nil
	}

	if s.dispatcher.Strategy(job) == dispatch.StrategySync {
		job.Status = models.JobStatusProcessing
		if err := s.repo.CreateJob(ctx, job); err != nil {
			return s.abandonReservation(ctx, job, err)
		}
		result, err := s.dispatcher.DispatchSync(ctx, job)
		if err != nil {
			_, ferr := s.failJob(ctx, job, err)
			return ferr
		}
		return s.completeProviderResult(ctx, job, result)
	}

	job.Status = models.JobStatusAwaitingCallback
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return s.abandonReservation(ctx, job, err)
	}
	if err := s.queue.PublishSubmission(ctx, job.ID); err != nil {
		_, ferr := s.failJob(ctx, job, fmt.Errorf("failed to enqueue submission: %w", err))
		return ferr
	}
	return nil
}

// abandonReservation compensates a reservation that never got recorded on a
// persisted job row. No later transition will reconcile it, so the
// subscription hold is returned and any wallet debit refunded here.
func (s *Service) abandonReservation(ctx context.Context, job *models.Job, cause error) error {
	if err := s.reconciler.ReleaseReservation(ctx, job.UserID, job.MinutesFromSubscription); err != nil {
		return fmt.Errorf("failed to release reservation after %v: %w", cause, err)
	}
	if job.CreditsUsed > 0 {
		err := s.reconciler.GrantCredits(ctx, job.UserID, job.CreditsUsed,
			models.CreditTxnRefund, job.ID, "refund for job that could not be recorded")
		if err != nil {
			return fmt.Errorf("failed to refund credits after %v: %w", cause, err)
		}
		metrics.CreditsRefundedTotal.Add(float64(job.CreditsUsed))
	}
	return cause
}

// DispatchQueued is the worker's entry point for one queued submission.
func (s *Service) DispatchQueued(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusAwaitingCallback {
		// Stale task; the job has already moved on.
		return nil
	}
	if job.ProviderJobID != "" {
		// Already submitted; duplicate delivery.
		return nil
	}

	if err := s.dispatcher.DispatchAsync(ctx, job); err != nil {
		_, ferr := s.failJob(ctx, job, err)
		return ferr
	}

	s.log.LogJobEvent(job.ID, "submitted_to_provider", job.Status, map[string]interface{}{
		"provider_job_id": job.ProviderJobID,
	})
	return nil
}

// CallbackPayload is the provider's completion message.
type CallbackPayload struct {
	Status string           `json:"status"` // done | error
	Error  string           `json:"error,omitempty"`
	Result *provider.Result `json:"result,omitempty"`
}

// HandleCallback finalizes a job from an inbound provider callback.
func (s *Service) HandleCallback(ctx context.Context, jobID string, payload CallbackPayload) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusAwaitingCallback {
		return fmt.Errorf("%w: callback for job in status %s", ErrInvalidTransition, job.Status)
	}

	if payload.Status == "done" && payload.Result != nil {
		metrics.CallbacksTotal.WithLabelValues("done").Inc()
		return s.completeProviderResult(ctx, job, payload.Result)
	}

	metrics.CallbacksTotal.WithLabelValues("error").Inc()
	_, err = s.failJob(ctx, job, fmt.Errorf("provider reported failure: %s", payload.Error))
	return err
}

// completeProviderResult routes a finished AI pass: ai jobs complete and
// reconcile; hybrid jobs park in pending_review with the reservation held
// until a human verdict.
func (s *Service) completeProviderResult(ctx context.Context, job *models.Job, result *provider.Result) error {
	if job.DurationSeconds == 0 && result.DurationSeconds > 0 {
		// The estimate was defaulted; bill the measured duration.
		job.DurationSeconds = result.DurationSeconds
	}

	transcriptKey := fmt.Sprintf("transcripts/%s.txt", job.ID)
	if err := s.transcripts.UploadTranscript(ctx, transcriptKey, result.Transcript); err != nil {
		_, ferr := s.failJob(ctx, job, err)
		return ferr
	}
	job.TranscriptKey = transcriptKey

	if job.Mode == models.ModeHybrid {
		if err := s.transition(ctx, job, models.JobStatusPendingReview); err != nil {
			return err
		}
		return s.repo.UpdateJob(ctx, job)
	}

	return s.completeJob(ctx, job)
}

// completeJob wins the terminal transition and confirms usage exactly once.
func (s *Service) completeJob(ctx context.Context, job *models.Job) error {
	if err := s.transition(ctx, job, models.JobStatusComplete); err != nil {
		return err
	}

	now := time.Now()
	job.CompletedAt = &now
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		return err
	}

	if err := s.confirmJob(ctx, job); err != nil {
		return err
	}

	metrics.JobsCompletedTotal.WithLabelValues(models.JobStatusComplete).Inc()
	s.log.LogJobEvent(job.ID, "completed", job.Status, nil)
	return nil
}

// failJob is the compensating path: it wins the transition to failed,
// releases the reservation, and records both the technical error and a
// user-facing message. It reports whether it won: losing the transition race
// means another path already reconciled the job, and that path's policy
// stands.
func (s *Service) failJob(ctx context.Context, job *models.Job, cause error) (bool, error) {
	if err := s.transition(ctx, job, models.JobStatusFailed); err != nil {
		if errors.Is(err, database.ErrStatusConflict) {
			return false, nil
		}
		return false, err
	}

	if err := s.reconciler.ReleaseReservation(ctx, job.UserID, job.MinutesFromSubscription); err != nil {
		return true, err
	}

	job.ErrorMsg = cause.Error()
	job.UserMessage = userMessage(cause)
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		return true, err
	}

	metrics.JobsCompletedTotal.WithLabelValues(models.JobStatusFailed).Inc()
	s.log.WithJobID(job.ID).ErrorWithErr("job failed", cause)
	return true, nil
}

// ApproveReview completes a hybrid job after admin approval.
func (s *Service) ApproveReview(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPendingReview {
		return nil, fmt.Errorf("%w: approve from %s", ErrInvalidTransition, job.Status)
	}
	if err := s.completeJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RejectReview fails a hybrid job after admin rejection: the reservation is
// released and wallet credits spent on the job are refunded as a distinct
// credit transaction.
func (s *Service) RejectReview(ctx context.Context, jobID, reason string) (*models.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPendingReview {
		return nil, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, job.Status)
	}

	won, err := s.failJob(ctx, job, fmt.Errorf("review rejected: %s", reason))
	if err != nil {
		return nil, err
	}
	if !won {
		// A concurrent transition settled the job first; refunding here
		// would pay out on a verdict that never applied.
		return nil, fmt.Errorf("%w: reject lost to a concurrent transition", ErrInvalidTransition)
	}

	if job.CreditsUsed > 0 {
		err := s.reconciler.GrantCredits(ctx, job.UserID, job.CreditsUsed,
			models.CreditTxnRefund, job.ID, "refund for rejected review")
		if err != nil {
			return nil, err
		}
		metrics.CreditsRefundedTotal.Add(float64(job.CreditsUsed))
	}

	return job, nil
}

// CompleteTranscription finishes a human-mode job with the transcript the
// staff produced.
func (s *Service) CompleteTranscription(ctx context.Context, jobID, transcript string) (*models.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPendingTranscription {
		return nil, fmt.Errorf("%w: complete transcription from %s", ErrInvalidTransition, job.Status)
	}

	transcriptKey := fmt.Sprintf("transcripts/%s.txt", job.ID)
	if err := s.transcripts.UploadTranscript(ctx, transcriptKey, transcript); err != nil {
		return nil, err
	}
	job.TranscriptKey = transcriptKey

	if err := s.completeJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel cancels a non-terminal job, releasing its reservation. Wallet
// credits already debited stay spent; refunds are an explicit grant.
func (s *Service) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if IsTerminal(job.Status) {
		return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, job.Status)
	}

	if err := s.transition(ctx, job, models.JobStatusCancelled); err != nil {
		return nil, err
	}
	if err := s.reconciler.ReleaseReservation(ctx, job.UserID, job.MinutesFromSubscription); err != nil {
		return nil, err
	}

	metrics.JobsCompletedTotal.WithLabelValues(models.JobStatusCancelled).Inc()
	s.log.LogJobEvent(job.ID, "cancelled", job.Status, nil)
	return job, nil
}

// Retry re-runs a failed job. Capacity may have changed since the original
// reservation, so the reservation engine is re-entered; a stale reservation
// is never reused. Language and operating point may be overridden.
func (s *Service) Retry(ctx context.Context, jobID, language, operatingPoint string) (*models.Job, *billing.ReservationResult, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != models.JobStatusFailed {
		return nil, nil, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, job.Status)
	}

	estimated := s.estimateMinutes(job.DurationSeconds)
	result, err := s.engine.Reserve(ctx, job.UserID, job.Mode, estimated)
	if err != nil {
		return nil, nil, err
	}
	if !result.OK {
		metrics.ReservationFailuresTotal.WithLabelValues(result.Reason).Inc()
		return job, result, nil
	}
	metrics.ReservationsTotal.WithLabelValues(result.Source).Inc()

	if language != "" {
		job.Spec.Language = language
	}
	if operatingPoint != "" {
		job.Spec.OperatingPoint = operatingPoint
	}
	job.EstimatedMinutes = estimated
	job.FundingSource = result.Source
	job.CreditsUsed = result.CreditsUsed
	job.MinutesFromSubscription = result.MinutesFromSubscription
	job.MinutesReserved = result.MinutesFromSubscription
	job.ProviderJobID = ""
	job.CallbackURL = ""
	job.ErrorMsg = ""
	job.UserMessage = ""
	job.RetryCount++

	target := models.JobStatusAwaitingCallback
	if job.Mode == models.ModeHuman {
		target = models.JobStatusPendingTranscription
	} else if s.dispatcher.Strategy(job) == dispatch.StrategySync {
		target = models.JobStatusProcessing
	}

	if err := s.transition(ctx, job, target); err != nil {
		// Lost the race; hand the fresh reservation back.
		return nil, nil, s.abandonReservation(ctx, job, err)
	}
	if err := s.repo.UpdateJob(ctx, job); err != nil {
		// The fresh funding numbers never reached the row; nothing will
		// reconcile them later.
		return nil, nil, s.abandonReservation(ctx, job, err)
	}

	switch target {
	case models.JobStatusProcessing:
		providerResult, derr := s.dispatcher.DispatchSync(ctx, job)
		if derr != nil {
			if _, ferr := s.failJob(ctx, job, derr); ferr != nil {
				return nil, nil, ferr
			}
			return job, result, nil
		}
		if err := s.completeProviderResult(ctx, job, providerResult); err != nil {
			return nil, nil, err
		}
	case models.JobStatusAwaitingCallback:
		if err := s.queue.PublishSubmission(ctx, job.ID); err != nil {
			if _, ferr := s.failJob(ctx, job, fmt.Errorf("failed to enqueue submission: %w", err)); ferr != nil {
				return nil, nil, ferr
			}
		}
	}

	s.log.LogJobEvent(job.ID, "retried", job.Status, map[string]interface{}{"retry_count": job.RetryCount})
	return job, result, nil
}

// FailStuck fails a job the provider never called back for. Used by the
// sweeper.
func (s *Service) FailStuck(ctx context.Context, job *models.Job) error {
	_, err := s.failJob(ctx, job, fmt.Errorf("provider callback not received within the allowed window"))
	return err
}

// transition applies a guarded status change and keeps the in-memory job in
// step with the row.
func (s *Service) transition(ctx context.Context, job *models.Job, to string) error {
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	if err := s.repo.TransitionJob(ctx, job.ID, job.Status, to); err != nil {
		return err
	}
	job.Status = to
	return nil
}

// confirmJob computes the final billing numbers and confirms usage. The
// monthly quota is only charged for the subscription-funded share, capped by
// what was actually transcribed.
func (s *Service) confirmJob(ctx context.Context, job *models.Job) error {
	actualBilled := job.EstimatedMinutes
	if job.DurationSeconds > 0 {
		actualBilled = billing.BilledMinutes(job.DurationSeconds)
	}
	actualFromSubscription := actualBilled
	if actualFromSubscription > job.MinutesFromSubscription {
		actualFromSubscription = job.MinutesFromSubscription
	}

	return s.reconciler.ConfirmUsage(ctx, job.UserID, billing.Usage{
		JobID:           job.ID,
		Mode:            job.Mode,
		ActualMinutes:   actualFromSubscription,
		ReservedMinutes: job.MinutesFromSubscription,
		CreditsUsed:     job.CreditsUsed,
		Source:          usageSource(job.FundingSource),
	})
}

func usageSource(fundingSource string) string {
	switch fundingSource {
	case models.FundingSourceCredits:
		return models.UsageSourceCredits
	case models.FundingSourceSplit:
		return models.UsageSourceOverage
	default:
		return models.UsageSourceSubscription
	}
}

func (s *Service) estimateMinutes(durationSeconds int) int {
	if durationSeconds <= 0 {
		return s.defaultEstimatedMinutes
	}
	return billing.BilledMinutes(durationSeconds)
}

// userMessage translates a technical failure into what the user sees.
func userMessage(cause error) string {
	var quotaErr *provider.QuotaError
	if errors.As(cause, &quotaErr) {
		return quotaErr.UserMessage()
	}
	var downloadErr *storage.DownloadError
	if errors.As(cause, &downloadErr) {
		return "The source media could not be downloaded. Check that the file finished uploading, then retry."
	}
	return "Transcription failed due to a temporary error. You can retry the job."
}
