package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scrybeapp/scrybe/internal/billing"
	"github.com/scrybeapp/scrybe/internal/database"
	"github.com/scrybeapp/scrybe/internal/jobs"
	"github.com/scrybeapp/scrybe/pkg/models"
)

// CreateAccountRequest provisions a billing account for a user.
type CreateAccountRequest struct {
	UserID             string `json:"user_id" binding:"required"`
	SubscriptionPlan   string `json:"subscription_plan"`
	SubscriptionStatus string `json:"subscription_status"`
	Credits            int    `json:"credits"`
}

// Create account endpoint
func (api *API) createAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	includedMinutes := 0
	plan := models.SubscriptionPlanNone
	status := models.SubscriptionStatusNone
	if req.SubscriptionPlan != "" {
		p, ok := billing.Plans[req.SubscriptionPlan]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown subscription plan"})
			return
		}
		plan = p.ID
		includedMinutes = p.IncludedMinutes
		status = models.SubscriptionStatusActive
	}
	if req.SubscriptionStatus != "" {
		status = req.SubscriptionStatus
	}

	now := time.Now().UTC()
	account := &models.Account{
		UserID:                  req.UserID,
		SubscriptionPlan:        plan,
		SubscriptionStatus:      status,
		IncludedMinutesPerMonth: includedMinutes,
		Credits:                 req.Credits,
		BillingCycleStart:       now,
		BillingCycleEnd:         now.AddDate(0, 1, 0),
	}

	if err := api.accounts.CreateAccount(c.Request.Context(), account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, account)
}

// GrantCreditsRequest tops up a user's wallet.
type GrantCreditsRequest struct {
	Amount int    `json:"amount" binding:"required"`
	Type   string `json:"type"`
	Memo   string `json:"memo"`
}

// Grant credits endpoint
func (api *API) grantCredits(c *gin.Context) {
	userID := c.Param("user_id")

	var req GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Amount must be positive"})
		return
	}

	txnType := req.Type
	if txnType == "" {
		txnType = models.CreditTxnGrant
	}
	if txnType != models.CreditTxnGrant && txnType != models.CreditTxnPurchase {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction type"})
		return
	}

	if err := api.reconciler.GrantCredits(c.Request.Context(), userID, req.Amount, txnType, "", req.Memo); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	_ = api.cache.DeleteAccount(c.Request.Context(), userID)

	c.JSON(http.StatusOK, gin.H{"message": "Credits granted", "user_id": userID, "amount": req.Amount})
}

// Approve review endpoint
func (api *API) approveReview(c *gin.Context) {
	jobID := c.Param("id")

	job, err := api.svc.ApproveReview(c.Request.Context(), jobID)
	if err != nil {
		api.writeAdminJobError(c, err)
		return
	}

	_ = api.cache.DeleteJob(c.Request.Context(), jobID)
	_ = api.cache.DeleteAccount(c.Request.Context(), job.UserID)

	c.JSON(http.StatusOK, job)
}

// RejectReviewRequest carries the reviewer's reason.
type RejectReviewRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Reject review endpoint
func (api *API) rejectReview(c *gin.Context) {
	jobID := c.Param("id")

	var req RejectReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := api.svc.RejectReview(c.Request.Context(), jobID, req.Reason)
	if err != nil {
		api.writeAdminJobError(c, err)
		return
	}

	_ = api.cache.DeleteJob(c.Request.Context(), jobID)
	_ = api.cache.DeleteAccount(c.Request.Context(), job.UserID)

	c.JSON(http.StatusOK, job)
}

// CompleteTranscriptionRequest delivers a human-produced transcript.
type CompleteTranscriptionRequest struct {
	Transcript string `json:"transcript" binding:"required"`
}

// Complete transcription endpoint
func (api *API) completeTranscription(c *gin.Context) {
	jobID := c.Param("id")

	var req CompleteTranscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := api.svc.CompleteTranscription(c.Request.Context(), jobID, req.Transcript)
	if err != nil {
		api.writeAdminJobError(c, err)
		return
	}

	_ = api.cache.DeleteJob(c.Request.Context(), jobID)
	_ = api.cache.DeleteAccount(c.Request.Context(), job.UserID)

	c.JSON(http.StatusOK, job)
}

func (api *API) writeAdminJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, jobs.ErrInvalidTransition), errors.Is(err, database.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Job is not in the required status"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
