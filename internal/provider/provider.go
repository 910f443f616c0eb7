package provider

import "fmt"

// TranscriptionConfig is the provider-facing job configuration, built by the
// dispatcher from job metadata.
type TranscriptionConfig struct {
	Language          string   `json:"language"`
	OperatingPoint    string   `json:"operating_point,omitempty"` // standard | enhanced
	Diarization       bool     `json:"diarization,omitempty"`
	Vocabulary        []string `json:"additional_vocab,omitempty"`
	RemoveFillerWords bool     `json:"remove_filler_words,omitempty"`
}

// Result is a finished transcription returned synchronously or delivered via
// callback.
type Result struct {
	Transcript      string    `json:"transcript"`
	Confidence      float64   `json:"confidence"`
	Language        string    `json:"language"`
	DurationSeconds int       `json:"duration_seconds"`
	Segments        []Segment `json:"segments,omitempty"`
}

// Segment is a timestamped slice of the transcript.
type Segment struct {
	Text       string  `json:"text"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence"`
}

// AsyncHandle identifies an accepted asynchronous submission.
type AsyncHandle struct {
	ProviderJobID string `json:"id"`
}

// Quota error scopes
const (
	QuotaScopeEnhancedModel = "enhanced_model"
	QuotaScopeMonthly       = "monthly"
)

// SubmissionError wraps transient submission failures (network errors,
// timeouts, 5xx). Jobs failed with it are retryable.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("provider submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// QuotaError reports a provider-side quota rejection. The scope separates
// the enhanced-model sub-quota from the overall monthly quota so users get
// an accurate message.
type QuotaError struct {
	Scope string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("provider quota exceeded: %s", e.Scope)
}

// UserMessage returns the human-readable explanation shown on the job.
func (e *QuotaError) UserMessage() string {
	if e.Scope == QuotaScopeEnhancedModel {
		return "The enhanced transcription model has reached its quota. Retry with the standard model or try again later."
	}
	return "The transcription service's monthly quota has been reached. Please try again later."
}
