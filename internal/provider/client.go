package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/scrybeapp/scrybe/internal/config"
)

// Client talks to the external speech-to-text provider. Short jobs go
// through SubmitSync and block for the result; long jobs go through
// SubmitAsync with a callback URL.
type Client struct {
	httpClient *http.Client
	syncClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a provider client
func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		syncClient: &http.Client{Timeout: cfg.SyncTimeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
	}
}

type submission struct {
	Config       TranscriptionConfig `json:"config"`
	Notification *notification       `json:"notification,omitempty"`
}

type notification struct {
	URL string `json:"url"`
}

// SubmitSync submits media and blocks until the transcript is ready.
func (c *Client) SubmitSync(ctx context.Context, cfg TranscriptionConfig, media io.Reader, filename string) (*Result, error) {
	body, contentType, err := buildSubmission(submission{Config: cfg}, media, filename)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs?wait=true", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.syncClient.Do(req)
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}

	return &result, nil
}

// SubmitAsync submits media with a callback URL and returns immediately with
// the provider's correlation id.
func (c *Client) SubmitAsync(ctx context.Context, cfg TranscriptionConfig, media io.Reader, filename, callbackURL string) (*AsyncHandle, error) {
	body, contentType, err := buildSubmission(submission{
		Config:       cfg,
		Notification: &notification{URL: callbackURL},
	}, media, filename)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var handle AsyncHandle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		return nil, fmt.Errorf("failed to decode submission response: %w", err)
	}
	if handle.ProviderJobID == "" {
		return nil, &SubmissionError{Err: fmt.Errorf("provider returned no job id")}
	}

	return &handle, nil
}

func buildSubmission(sub submission, media io.Reader, filename string) (io.Reader, string, error) {
	configBytes, err := json.Marshal(sub)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal config: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("config", string(configBytes)); err != nil {
		return nil, "", fmt.Errorf("failed to write config field: %w", err)
	}

	part, err := writer.CreateFormFile("data_file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create media part: %w", err)
	}
	if _, err := io.Copy(part, media); err != nil {
		return nil, "", fmt.Errorf("failed to copy media: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize submission body: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

type apiError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// checkResponse translates provider error responses into the typed errors
// the dispatcher acts on.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		switch apiErr.Code {
		case "enhanced_quota_exceeded":
			return &QuotaError{Scope: QuotaScopeEnhancedModel}
		case "monthly_quota_exceeded":
			return &QuotaError{Scope: QuotaScopeMonthly}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &QuotaError{Scope: QuotaScopeMonthly}
		}
	}

	return &SubmissionError{
		Err: fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body)),
	}
}

// Healthy pings the provider's status endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/status", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
