package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scrybeapp/scrybe/internal/database"
	"github.com/scrybeapp/scrybe/internal/dispatch"
	"github.com/scrybeapp/scrybe/internal/jobs"
	"github.com/scrybeapp/scrybe/internal/ledger"
	"github.com/scrybeapp/scrybe/internal/metrics"
	"github.com/scrybeapp/scrybe/internal/middleware"
	"github.com/scrybeapp/scrybe/pkg/models"
)

const (
	jobCacheTTL     = 5 * time.Minute
	accountCacheTTL = time.Minute
	callbackLockTTL = time.Minute
)

// SubmitJobRequest is the submission payload.
type SubmitJobRequest struct {
	Mode            string                   `json:"mode" binding:"required"`
	MediaKey        string                   `json:"media_key" binding:"required"`
	DurationSeconds int                      `json:"duration_seconds"`
	Spec            models.TranscriptionSpec `json:"spec"`
}

// Submit job endpoint
func (api *API) submitJob(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, result, err := api.svc.Submit(c.Request.Context(), jobs.SubmitRequest{
		UserID:          userID,
		Mode:            req.Mode,
		MediaKey:        req.MediaKey,
		DurationSeconds: req.DurationSeconds,
		Spec:            req.Spec,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !result.OK {
		// Funding failed; no job was created. The reservation result carries
		// the exact shortfall for the client to render.
		c.JSON(http.StatusPaymentRequired, gin.H{"reservation": result})
		return
	}

	_ = api.cache.SetJob(c.Request.Context(), job, jobCacheTTL)
	_ = api.cache.DeleteAccount(c.Request.Context(), userID)

	c.JSON(http.StatusCreated, gin.H{"job": job, "reservation": result})
}

// Get job endpoint
func (api *API) getJob(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	jobID := c.Param("id")

	if cached, err := api.cache.GetJob(c.Request.Context(), jobID); err == nil && cached != nil {
		metrics.RecordCacheAccess("job", true)
		if cached.UserID != userID {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusOK, cached)
		return
	}
	metrics.RecordCacheAccess("job", false)

	job, err := api.jobRepo.GetJob(c.Request.Context(), jobID)
	if err != nil || job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	_ = api.cache.SetJob(c.Request.Context(), job, jobCacheTTL)

	c.JSON(http.StatusOK, job)
}

// List jobs endpoint
func (api *API) listJobs(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	list, err := api.jobRepo.ListJobsByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   list,
		"limit":  limit,
		"offset": offset,
	})
}

// Get transcript endpoint
func (api *API) getTranscript(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	jobID := c.Param("id")

	job, err := api.jobRepo.GetJob(c.Request.Context(), jobID)
	if err != nil || job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if job.TranscriptKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transcript not available"})
		return
	}

	reader, err := api.storage.Download(c.Request.Context(), job.TranscriptKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch transcript"})
		return
	}
	defer reader.Close()

	c.DataFromReader(http.StatusOK, -1, "text/plain; charset=utf-8", reader, nil)
}

// Cancel job endpoint
func (api *API) cancelJob(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	jobID := c.Param("id")

	if !api.ownsJob(c, jobID, userID) {
		return
	}

	job, err := api.svc.Cancel(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) || errors.Is(err, database.ErrStatusConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Job cannot be cancelled in its current status"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	_ = api.cache.DeleteJob(c.Request.Context(), jobID)
	_ = api.cache.DeleteAccount(c.Request.Context(), userID)

	c.JSON(http.StatusOK, job)
}

// RetryJobRequest optionally overrides transcription parameters on retry.
type RetryJobRequest struct {
	Language       string `json:"language"`
	OperatingPoint string `json:"operating_point"`
}

// Retry job endpoint
func (api *API) retryJob(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	jobID := c.Param("id")

	if !api.ownsJob(c, jobID, userID) {
		return
	}

	var req RetryJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	job, result, err := api.svc.Retry(c.Request.Context(), jobID, req.Language, req.OperatingPoint)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) || errors.Is(err, database.ErrStatusConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Only failed jobs can be retried"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if !result.OK {
		c.JSON(http.StatusPaymentRequired, gin.H{"reservation": result})
		return
	}

	_ = api.cache.DeleteJob(c.Request.Context(), jobID)
	_ = api.cache.DeleteAccount(c.Request.Context(), userID)

	c.JSON(http.StatusOK, gin.H{"job": job, "reservation": result})
}

// Get account endpoint
func (api *API) getAccount(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	if cached, err := api.cache.GetAccount(c.Request.Context(), userID); err == nil && cached != nil {
		metrics.RecordCacheAccess("account", true)
		c.JSON(http.StatusOK, cached)
		return
	}
	metrics.RecordCacheAccess("account", false)

	account, err := api.accounts.Get(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	_ = api.cache.SetAccount(c.Request.Context(), account, accountCacheTTL)

	c.JSON(http.StatusOK, account)
}

// Get usage endpoint
func (api *API) getUsage(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	account, err := api.accounts.Get(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	records, err := api.usageRepo.ListUsageByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	summary, err := api.usageRepo.CycleUsageSummary(c.Request.Context(), userID,
		account.BillingCycleStart, account.BillingCycleEnd)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cycle_start":   account.BillingCycleStart,
		"cycle_end":     account.BillingCycleEnd,
		"cycle_summary": summary,
		"records":       records,
	})
}

// Get credit transactions endpoint
func (api *API) getTransactions(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	txns, err := api.usageRepo.ListCreditTransactions(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// Transcription callback endpoint. Authenticated by the HMAC token embedded
// in the callback URL at submission time.
func (api *API) transcriptionCallback(c *gin.Context) {
	jobID := c.Query("job_id")
	token := c.Query("token")

	if jobID == "" || !dispatch.VerifyCallbackToken(api.callbackSecret, jobID, token) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid callback token"})
		return
	}

	// Providers redeliver callbacks; the lock drops duplicates while the
	// first delivery is still being applied.
	acquired, err := api.cache.AcquireCallbackLock(c.Request.Context(), jobID, callbackLockTTL)
	if err == nil && !acquired {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	var payload jobs.CallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		_ = api.cache.ReleaseCallbackLock(c.Request.Context(), jobID)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := api.svc.HandleCallback(c.Request.Context(), jobID, payload); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) || errors.Is(err, database.ErrStatusConflict) {
			// Late or duplicate callback; the job already settled.
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		// The callback was not applied; drop the lock so the provider's
		// redelivery gets another attempt instead of a "duplicate".
		_ = api.cache.ReleaseCallbackLock(c.Request.Context(), jobID)
		if errors.Is(err, database.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	_ = api.cache.DeleteJob(c.Request.Context(), jobID)

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// ownsJob loads the job and enforces ownership, writing the error response
// itself when the check fails.
func (api *API) ownsJob(c *gin.Context, jobID, userID string) bool {
	job, err := api.jobRepo.GetJob(c.Request.Context(), jobID)
	if err != nil || job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return false
	}
	return true
}
