package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"invoice-ingest-go/internal/accounts"
	"invoice-ingest-go/internal/cancel"
	"invoice-ingest-go/internal/config"
	"invoice-ingest-go/internal/dispatch"
	"invoice-ingest-go/internal/jobs"
	"invoice-ingest-go/internal/models"
	"invoice-ingest-go/internal/reservation"
	"invoice-ingest-go/internal/scheduler"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	db           *gorm.DB
	accounts     *accounts.Store
	reservations *reservation.Store
	dispatcher   *dispatch.Dispatcher
	scheduler    *scheduler.Runner
	jobs         *jobs.Manager
	canceller    *cancel.Controller
	cfg          *config.Config
}

// NewHandlers creates new HTTP handlers
func NewHandlers(
	db *gorm.DB,
	accountStore *accounts.Store,
	reservations *reservation.Store,
	dispatcher *dispatch.Dispatcher,
	runner *scheduler.Runner,
	jobManager *jobs.Manager,
	canceller *cancel.Controller,
	cfg *config.Config,
) *Handlers {
	return &Handlers{
		db:           db,
		accounts:     accountStore,
		reservations: reservations,
		dispatcher:   dispatcher,
		scheduler:    runner,
		jobs:         jobManager,
		canceller:    canceller,
		cfg:          cfg,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Health check
	router.GET("/healthz", h.HealthCheck)

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := router.Group("/api/v1")
	{
		// Direct (synchronous) dispatch runs
		api.POST("/process-direct", h.ProcessDirect)

		// Async jobs
		api.POST("/jobs", h.CreateJob)
		api.GET("/jobs/:id", h.GetJob)
		api.GET("/jobs", h.ListJobs)

		// Cancellation
		api.POST("/queue-events/cancel-active", h.CancelActive)

		// Mail accounts
		api.GET("/accounts", h.GetAccounts)
		api.POST("/accounts", h.CreateAccount)
		api.GET("/accounts/:id", h.GetAccount)
		api.PUT("/accounts/:id", h.UpdateAccount)
		api.DELETE("/accounts/:id", h.DeleteAccount)
		api.PATCH("/accounts/:id/enable", h.EnableAccount)
		api.PATCH("/accounts/:id/disable", h.DisableAccount)

		// Reservation ledger
		api.GET("/reservations/stale", h.GetStaleReservations)
		api.POST("/reservations/requeue", h.RequeueReservation)

		// Scheduler control
		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-once", h.RunSchedulerOnce)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
		api.PUT("/scheduler/interval", h.SetSchedulerInterval)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := models.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Metrics:   make(map[string]string),
	}

	// Check database connection
	if err := h.db.Raw("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	// Check scheduler status
	if h.scheduler.IsRunning() {
		response.Metrics["scheduler"] = "running"
	} else {
		response.Metrics["scheduler"] = "stopped"
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

// ProcessDirectRequest triggers one synchronous dispatch run.
type ProcessDirectRequest struct {
	OwnerEmail string     `json:"owner_email" binding:"required,email"`
	AccountIDs []uint     `json:"account_ids"`
	Limit      int        `json:"limit"`
	AllMail    bool       `json:"all_mail"`
	Since      *time.Time `json:"since"`
	Until      *time.Time `json:"until"`
}

// ProcessDirect runs discovery and fan-out once for the caller's accounts
// and returns the exact dispatch summary.
func (h *Handlers) ProcessDirect(c *gin.Context) {
	var req ProcessDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = h.cfg.Manual.DefaultLimit
	}
	if h.cfg.Manual.MaxLimit > 0 && limit > h.cfg.Manual.MaxLimit {
		limit = h.cfg.Manual.MaxLimit
	}

	accts, err := h.accounts.ListEnabledByOwner(c.Request.Context(), req.OwnerEmail)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to list accounts",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	accts = filterAccounts(accts, req.AccountIDs)
	if len(accts) == 0 {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error:   "not_found",
			Message: "No enabled accounts matched the request",
			Code:    http.StatusNotFound,
		})
		return
	}

	mode := models.SearchUnseen
	window := models.SearchWindow{Since: req.Since, Until: req.Until}
	if req.AllMail || !window.IsZero() {
		mode = models.SearchAll
	}

	summary, err := h.dispatcher.Dispatch(c.Request.Context(), dispatch.Params{
		Accounts:          accts,
		Mode:              mode,
		Window:            window,
		GlobalCap:         limit,
		PerAccountCap:     h.cfg.FanOut.PerAccountCap,
		MaxUIDsPerAccount: h.cfg.FanOut.MaxUIDsPerAccount,
		JobKind:           models.JobKindManual,
	})
	if err != nil {
		// Dispatch only errors on cancellation; the summary still counts the
		// work done before the stop, so hand it back with the error.
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "dispatch_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
			Details: summary,
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// CreateJobRequest enqueues a long-running sync job.
type CreateJobRequest struct {
	Kind       string     `json:"kind" binding:"required"`
	OwnerEmail string     `json:"owner_email" binding:"required,email"`
	Since      *time.Time `json:"since"`
	Until      *time.Time `json:"until"`
	AccountID  *uint      `json:"account_id"`
}

// CreateJob enqueues a full_sync or retry_skipped job and returns it with
// status queued. The polling worker picks it up asynchronously.
func (h *Handlers) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	kind := models.AsyncJobKind(req.Kind)
	if kind != models.AsyncJobFullSync && kind != models.AsyncJobRetrySkipped {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "Job kind must be full_sync or retry_skipped",
			Code:    http.StatusBadRequest,
		})
		return
	}
	if kind == models.AsyncJobRetrySkipped && (req.Since != nil || req.Until != nil) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "retry_skipped does not accept a date range",
			Code:    http.StatusBadRequest,
		})
		return
	}

	job, err := h.jobs.Enqueue(c.Request.Context(), kind, req.OwnerEmail, models.JobParams{
		Since:     req.Since,
		Until:     req.Until,
		AccountID: req.AccountID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to enqueue job",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// GetJob returns one async job with its status and progress.
func (h *Handlers) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error:   "not_found",
				Message: "Job not found",
				Code:    http.StatusNotFound,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch job",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, job)
}

// ListJobs returns an owner's queued and running jobs.
func (h *Handlers) ListJobs(c *gin.Context) {
	owner := c.Query("owner_email")
	if owner == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "owner_email query parameter is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	active, err := h.jobs.ListActiveByOwner(c.Request.Context(), owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to list jobs",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": active})
}

// CancelActiveRequest cancels an owner's active work within a scope.
type CancelActiveRequest struct {
	OwnerEmail string `json:"owner_email" binding:"required,email"`
	Scope      string `json:"scope"`
	MaxJobs    int    `json:"max_jobs"`
}

// CancelActive cancels queued and in-flight work for one owner and returns
// an exact summary of what was cancelled, what is stopping, and what could
// no longer be cancelled.
func (h *Handlers) CancelActive(c *gin.Context) {
	var req CancelActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	scope := cancel.Scope(req.Scope)
	if req.Scope == "" {
		scope = cancel.ScopeAll
	}

	summary, err := h.canceller.CancelActive(c.Request.Context(), req.OwnerEmail, scope, req.MaxJobs)
	if err != nil {
		if !scope.Valid() {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:   "validation_error",
				Message: err.Error(),
				Code:    http.StatusBadRequest,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "cancellation_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// AccountRequest creates or updates a monitored mailbox.
type AccountRequest struct {
	OwnerEmail string `json:"owner_email" binding:"required,email"`
	Address    string `json:"address" binding:"required,email"`
	Provider   string `json:"provider"`

	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port"`
	IMAPUser     string `json:"imap_user"`
	IMAPPassword string `json:"imap_password"`

	GmailClientID     string `json:"gmail_client_id"`
	GmailClientSecret string `json:"gmail_client_secret"`
	GmailRefreshToken string `json:"gmail_refresh_token"`

	Enabled *bool `json:"enabled"`
}

func (r *AccountRequest) apply(account *models.MailAccount) {
	account.OwnerEmail = r.OwnerEmail
	account.Address = r.Address
	if r.Provider != "" {
		account.Provider = r.Provider
	}
	account.IMAPHost = r.IMAPHost
	account.IMAPPort = r.IMAPPort
	account.IMAPUser = r.IMAPUser
	account.IMAPPassword = r.IMAPPassword
	account.GmailClientID = r.GmailClientID
	account.GmailClientSecret = r.GmailClientSecret
	account.GmailRefreshToken = r.GmailRefreshToken
	if r.Enabled != nil {
		account.Enabled = *r.Enabled
	}
}

func (r *AccountRequest) validate() string {
	switch r.Provider {
	case "", "imap":
		if r.IMAPHost == "" || r.IMAPUser == "" || r.IMAPPassword == "" {
			return "IMAP host, user, and password are required for imap accounts"
		}
	case "gmail":
		if r.GmailClientID == "" || r.GmailClientSecret == "" || r.GmailRefreshToken == "" {
			return "Gmail OAuth2 credentials are required for gmail accounts"
		}
	default:
		return "Provider must be imap or gmail"
	}
	return ""
}

// GetAccounts returns all monitored mailboxes
func (h *Handlers) GetAccounts(c *gin.Context) {
	accts, err := h.accounts.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch accounts",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, accts)
}

// CreateAccount registers a new monitored mailbox
func (h *Handlers) CreateAccount(c *gin.Context) {
	var req AccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: msg,
			Code:    http.StatusBadRequest,
		})
		return
	}

	account := models.MailAccount{Provider: "imap", Enabled: true}
	req.apply(&account)

	if err := h.accounts.Create(c.Request.Context(), &account); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to create account",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusCreated, account)
}

// GetAccount returns a specific mailbox
func (h *Handlers) GetAccount(c *gin.Context) {
	id, ok := h.accountID(c)
	if !ok {
		return
	}

	account, err := h.accounts.Get(c.Request.Context(), id)
	if err != nil {
		h.accountError(c, err, "Failed to fetch account")
		return
	}

	c.JSON(http.StatusOK, account)
}

// UpdateAccount updates a mailbox
func (h *Handlers) UpdateAccount(c *gin.Context) {
	id, ok := h.accountID(c)
	if !ok {
		return
	}

	var req AccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: msg,
			Code:    http.StatusBadRequest,
		})
		return
	}

	account, err := h.accounts.Get(c.Request.Context(), id)
	if err != nil {
		h.accountError(c, err, "Failed to fetch account")
		return
	}

	req.apply(account)
	if err := h.accounts.Update(c.Request.Context(), account); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to update account",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, account)
}

// DeleteAccount soft-deletes a mailbox
func (h *Handlers) DeleteAccount(c *gin.Context) {
	id, ok := h.accountID(c)
	if !ok {
		return
	}

	if err := h.accounts.Delete(c.Request.Context(), id); err != nil {
		h.accountError(c, err, "Failed to delete account")
		return
	}

	c.Status(http.StatusNoContent)
}

// EnableAccount enables a mailbox
func (h *Handlers) EnableAccount(c *gin.Context) {
	h.setAccountEnabled(c, true)
}

// DisableAccount disables a mailbox
func (h *Handlers) DisableAccount(c *gin.Context) {
	h.setAccountEnabled(c, false)
}

func (h *Handlers) setAccountEnabled(c *gin.Context, enabled bool) {
	id, ok := h.accountID(c)
	if !ok {
		return
	}

	if err := h.accounts.SetEnabled(c.Request.Context(), id, enabled); err != nil {
		h.accountError(c, err, "Failed to update account")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handlers) accountID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid account ID",
			Code:    http.StatusBadRequest,
		})
		return 0, false
	}
	return uint(id), true
}

func (h *Handlers) accountError(c *gin.Context, err error, msg string) {
	if errors.Is(err, accounts.ErrNotFound) {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error:   "not_found",
			Message: "Account not found",
			Code:    http.StatusNotFound,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "database_error",
		Message: msg,
		Code:    http.StatusInternalServerError,
	})
}

// GetStaleReservations lists reservations stuck in processing longer than
// the older_than query duration (default 1h).
func (h *Handlers) GetStaleReservations(c *gin.Context) {
	olderThan := time.Hour
	if raw := c.Query("older_than"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:   "validation_error",
				Message: "older_than must be a positive duration",
				Code:    http.StatusBadRequest,
			})
			return
		}
		olderThan = parsed
	}

	stale, err := h.reservations.ListStaleProcessing(c.Request.Context(), olderThan)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to list stale reservations",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reservations": stale})
}

// RequeueReservationRequest forces a retryable reservation back to processing.
type RequeueReservationRequest struct {
	AccountID uint   `json:"account_id" binding:"required"`
	UID       uint64 `json:"uid" binding:"required"`
}

// RequeueReservation is the operator escape hatch for a skipped message:
// it transitions a retryable reservation back to processing.
func (h *Handlers) RequeueReservation(c *gin.Context) {
	var req RequeueReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	identity := models.MessageIdentity{AccountID: req.AccountID, UID: req.UID}
	err := h.reservations.ForceRequeue(c.Request.Context(), identity, models.JobKindRetrySkipped)
	if err != nil {
		if errors.Is(err, reservation.ErrNotRetryable) {
			c.JSON(http.StatusConflict, models.ErrorResponse{
				Error:   "not_retryable",
				Message: "Reservation is not in a retryable state",
				Code:    http.StatusConflict,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to requeue reservation",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Reservation requeued"})
}

// StartScheduler starts the periodic discovery scheduler
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to start scheduler",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler started successfully",
		"status":  "running",
	})
}

// StopScheduler stops the periodic discovery scheduler
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to stop scheduler",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler stopped successfully",
		"status":  "stopped",
	})
}

// RunSchedulerOnce triggers a single scheduled cycle immediately
func (h *Handlers) RunSchedulerOnce(c *gin.Context) {
	h.scheduler.RunOnce()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Discovery cycle triggered",
	})
}

// GetSchedulerStatus returns the current scheduler status
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// SetSchedulerIntervalRequest changes the scheduled cycle interval.
type SetSchedulerIntervalRequest struct {
	IntervalMinutes int `json:"interval_minutes" binding:"required"`
}

// SetSchedulerInterval changes the cycle interval, restarting the schedule
// if it is currently running.
func (h *Handlers) SetSchedulerInterval(c *gin.Context) {
	var req SetSchedulerIntervalRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IntervalMinutes <= 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "interval_minutes must be a positive integer",
			Code:    http.StatusBadRequest,
		})
		return
	}

	if err := h.scheduler.SetInterval(req.IntervalMinutes); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to update interval",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"interval_minutes": req.IntervalMinutes})
}

// filterAccounts keeps only the accounts named by ids; an empty ids list
// keeps everything.
func filterAccounts(accts []models.MailAccount, ids []uint) []models.MailAccount {
	if len(ids) == 0 {
		return accts
	}
	want := make(map[uint]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	filtered := accts[:0]
	for _, a := range accts {
		if want[a.ID] {
			filtered = append(filtered, a)
		}
	}
	return filtered
}
