package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/scrybeapp/scrybe/internal/config"
	"github.com/scrybeapp/scrybe/internal/provider"
	"github.com/scrybeapp/scrybe/pkg/models"
)

// Processing strategies
const (
	StrategySync  = "sync"
	StrategyAsync = "async"
)

// Submitter is the slice of the provider client the dispatcher needs.
type Submitter interface {
	SubmitSync(ctx context.Context, cfg provider.TranscriptionConfig, media io.Reader, filename string) (*provider.Result, error)
	SubmitAsync(ctx context.Context, cfg provider.TranscriptionConfig, media io.Reader, filename, callbackURL string) (*provider.AsyncHandle, error)
}

// MediaStore fetches source media for submission.
type MediaStore interface {
	Download(ctx context.Context, objectName string) (io.ReadCloser, error)
}

// JobWriter persists the correlation id and callback URL onto the job.
type JobWriter interface {
	UpdateJob(ctx context.Context, job *models.Job) error
}

// Dispatcher selects a processing strategy per job and talks to the
// transcription provider.
type Dispatcher struct {
	submitter            Submitter
	media                MediaStore
	jobs                 JobWriter
	callbackBaseURL      string
	callbackSecret       string
	syncThresholdSeconds int
}

// New creates a dispatcher
func New(submitter Submitter, media MediaStore, jobs JobWriter, providerCfg config.ProviderConfig, billingCfg config.BillingConfig) *Dispatcher {
	return &Dispatcher{
		submitter:            submitter,
		media:                media,
		jobs:                 jobs,
		callbackBaseURL:      providerCfg.CallbackBaseURL,
		callbackSecret:       providerCfg.CallbackSecret,
		syncThresholdSeconds: billingCfg.SyncThresholdSeconds,
	}
}

// Strategy decides sync vs async processing. Only media with a known
// duration at or under the threshold may block a request; unknown or zero
// duration is treated conservatively as long.
func (d *Dispatcher) Strategy(job *models.Job) string {
	if job.DurationSeconds > 0 && job.DurationSeconds <= d.syncThresholdSeconds {
		return StrategySync
	}
	return StrategyAsync
}

// DispatchSync downloads the media, submits it, and blocks for the result.
func (d *Dispatcher) DispatchSync(ctx context.Context, job *models.Job) (*provider.Result, error) {
	media, err := d.media.Download(ctx, job.MediaKey)
	if err != nil {
		return nil, err
	}
	defer media.Close()

	return d.submitter.SubmitSync(ctx, buildConfig(job), media, path.Base(job.MediaKey))
}

// DispatchAsync submits the media with a callback URL and persists the
// provider's correlation id and the callback URL onto the job before
// returning, so the submission is auditable even if the callback never
// arrives.
func (d *Dispatcher) DispatchAsync(ctx context.Context, job *models.Job) error {
	media, err := d.media.Download(ctx, job.MediaKey)
	if err != nil {
		return err
	}
	defer media.Close()

	callbackURL := d.callbackURL(job.ID)
	handle, err := d.submitter.SubmitAsync(ctx, buildConfig(job), media, path.Base(job.MediaKey), callbackURL)
	if err != nil {
		return err
	}

	job.ProviderJobID = handle.ProviderJobID
	job.CallbackURL = callbackURL
	if err := d.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to record provider job id: %w", err)
	}

	return nil
}

// callbackURL embeds the job id and a shared-secret token so the callback
// handler can correlate and authenticate the result in one step.
func (d *Dispatcher) callbackURL(jobID string) string {
	params := url.Values{}
	params.Set("job_id", jobID)
	params.Set("token", CallbackToken(d.callbackSecret, jobID))
	return fmt.Sprintf("%s/api/v1/callbacks/transcription?%s", d.callbackBaseURL, params.Encode())
}

// buildConfig maps the mode-tagged job spec onto the provider's
// configuration surface. Human jobs never reach the provider.
func buildConfig(job *models.Job) provider.TranscriptionConfig {
	cfg := provider.TranscriptionConfig{
		Language:       job.Spec.Language,
		OperatingPoint: job.Spec.OperatingPoint,
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}

	switch {
	case job.Spec.AI != nil:
		cfg.Diarization = job.Spec.AI.Diarization
		cfg.Vocabulary = job.Spec.AI.Vocabulary
		cfg.RemoveFillerWords = job.Spec.AI.RemoveFillerWords
	case job.Spec.Hybrid != nil:
		cfg.Diarization = job.Spec.Hybrid.Diarization
		cfg.Vocabulary = job.Spec.Hybrid.Vocabulary
	}

	return cfg
}
