package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Fulfillment modes
const (
	ModeAI     = "ai"
	ModeHybrid = "hybrid"
	ModeHuman  = "human"
)

// Job status values
const (
	JobStatusCreated              = "created"
	JobStatusReserving            = "reserving"
	JobStatusProcessing           = "processing"
	JobStatusAwaitingCallback     = "awaiting_callback"
	JobStatusPendingReview        = "pending_review"
	JobStatusPendingTranscription = "pending_transcription"
	JobStatusComplete             = "complete"
	JobStatusFailed               = "failed"
	JobStatusCancelled            = "cancelled"
)

// Funding sources recorded at reservation time
const (
	FundingSourceSubscription = "subscription"
	FundingSourceCredits      = "credits"
	FundingSourceSplit        = "split"
	FundingSourceInsufficient = "insufficient"
)

// Job represents one submitted media file and its lifecycle. Rows are never
// deleted, only transitioned to a terminal status.
type Job struct {
	ID                      string            `json:"id" db:"id"`
	UserID                  string            `json:"user_id" db:"user_id"`
	Mode                    string            `json:"mode" db:"mode"`
	Status                  string            `json:"status" db:"status"`
	MediaKey                string            `json:"media_key" db:"media_key"`
	DurationSeconds         int               `json:"duration_seconds" db:"duration_seconds"`
	EstimatedMinutes        int               `json:"estimated_minutes" db:"estimated_minutes"`
	FundingSource           string            `json:"funding_source" db:"funding_source"`
	CreditsUsed             int               `json:"credits_used" db:"credits_used"`
	MinutesFromSubscription int               `json:"minutes_from_subscription" db:"minutes_from_subscription"`
	MinutesReserved         int               `json:"minutes_reserved" db:"minutes_reserved"`
	ProviderJobID           string            `json:"provider_job_id,omitempty" db:"provider_job_id"`
	CallbackURL             string            `json:"callback_url,omitempty" db:"callback_url"`
	TranscriptKey           string            `json:"transcript_key,omitempty" db:"transcript_key"`
	ErrorMsg                string            `json:"error_msg,omitempty" db:"error_msg"`
	UserMessage             string            `json:"user_message,omitempty" db:"user_message"`
	RetryCount              int               `json:"retry_count" db:"retry_count"`
	Spec                    TranscriptionSpec `json:"spec" db:"spec"`
	CreatedAt               time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt             *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// TranscriptionSpec is the mode-tagged job configuration. Exactly one of the
// mode sections must be set, matching the job's Mode.
type TranscriptionSpec struct {
	Language       string      `json:"language"`
	OperatingPoint string      `json:"operating_point,omitempty"`
	AI             *AISpec     `json:"ai,omitempty"`
	Hybrid         *HybridSpec `json:"hybrid,omitempty"`
	Human          *HumanSpec  `json:"human,omitempty"`
}

// AISpec configures fully automated transcription.
type AISpec struct {
	Diarization       bool     `json:"diarization"`
	RemoveFillerWords bool     `json:"remove_filler_words"`
	Vocabulary        []string `json:"vocabulary,omitempty"`
}

// HybridSpec configures an AI pass followed by human review.
type HybridSpec struct {
	Diarization        bool     `json:"diarization"`
	Vocabulary         []string `json:"vocabulary,omitempty"`
	ReviewInstructions string   `json:"review_instructions,omitempty"`
}

// HumanSpec configures transcription done entirely by staff.
type HumanSpec struct {
	SpeakerNames []string `json:"speaker_names,omitempty"`
	Verbatim     bool     `json:"verbatim"`
	Instructions string   `json:"instructions,omitempty"`
}

// Validate checks that the spec carries the section for the given mode and
// no other.
func (s TranscriptionSpec) Validate(mode string) error {
	set := 0
	if s.AI != nil {
		set++
	}
	if s.Hybrid != nil {
		set++
	}
	if s.Human != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("spec sets %d mode sections, want at most 1", set)
	}

	switch mode {
	case ModeAI:
		if s.Hybrid != nil || s.Human != nil {
			return fmt.Errorf("spec section does not match mode %q", mode)
		}
	case ModeHybrid:
		if s.AI != nil || s.Human != nil {
			return fmt.Errorf("spec section does not match mode %q", mode)
		}
	case ModeHuman:
		if s.AI != nil || s.Hybrid != nil {
			return fmt.Errorf("spec section does not match mode %q", mode)
		}
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	return nil
}

// Value implements driver.Valuer for database storage
func (s TranscriptionSpec) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for database retrieval
func (s *TranscriptionSpec) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, s)
}

// ValidMode reports whether mode is one of the fulfillment modes.
func ValidMode(mode string) bool {
	switch mode {
	case ModeAI, ModeHybrid, ModeHuman:
		return true
	}
	return false
}
