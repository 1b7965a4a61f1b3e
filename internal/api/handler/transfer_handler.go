package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/transfer-manager/internal/api/dto"
	"github.com/cuongbtq/transfer-manager/internal/api/model"
	"github.com/cuongbtq/transfer-manager/internal/api/service"
	"github.com/cuongbtq/transfer-manager/internal/api/storage"
	"github.com/cuongbtq/transfer-manager/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateTransfer handles POST /api/v1/transfers
// Registers a transfer and hands it to the staging pipeline
func (h *TransferHandler) CreateTransfer(c *gin.Context) {
	var req dto.CreateTransferRequest
	if err := c.ShouldBind(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.SubmitResponse{Error: true, Msg: "Invalid request body"})
		return
	}

	req.ProductID = strings.TrimSpace(req.ProductID)
	req.DestinationPath = strings.TrimSpace(req.DestinationPath)

	if req.ProductID == "" {
		c.JSON(http.StatusBadRequest, dto.SubmitResponse{Error: true, Msg: "Request did not specify product_id"})
		return
	}
	if req.DestinationPath == "" {
		c.JSON(http.StatusBadRequest, dto.SubmitResponse{Error: true, Msg: "Request did not specify destination_path"})
		return
	}

	jobID, err := h.transfers.Submit(c.Request.Context(), req.ProductID, req.DestinationPath)
	if err != nil {
		resp := dto.SubmitResponse{Error: true, Msg: "Unknown error handling job submission"}

		var submitErr *service.SubmitError
		if errors.As(err, &submitErr) {
			resp.Msg = submitErr.Message()
			if submitErr.JobID != "" {
				resp.JobID = &submitErr.JobID
			}
		}

		c.JSON(http.StatusInternalServerError, resp)
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitResponse{
		Error: false,
		JobID: &jobID,
		Msg:   "Job submission processed successfully",
	})
}

// GetTransfer handles GET /api/v1/transfers/:job_id
func (h *TransferHandler) GetTransfer(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.jobs.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toTransferDTO(job))
}

// ListTransfers handles GET /api/v1/transfers
// Lists jobs newest first with optional filtering and cursor pagination
func (h *TransferHandler) ListTransfers(c *gin.Context) {
	var req dto.ListTransfersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.Status(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), storage.JobFilter{
		ProductID: req.ProductID,
		Status:    req.Status,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	transfers := make([]dto.TransferDTO, len(jobs))
	for i := range jobs {
		transfers[i] = toTransferDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			TimeSubmitted: last.TimeSubmitted,
			JobID:         last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListTransfersResponse{
		Transfers:  transfers,
		NextCursor: nextCursor,
	})
}

// Health handles GET /health
func (h *TransferHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{"database": "ok", "rabbitmq": "ok"}

	if h.database != nil {
		if err := h.database.HealthCheck(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["database"] = err.Error()
		}
	}
	if h.broker != nil && !h.broker.IsConnected() {
		status = http.StatusServiceUnavailable
		checks["rabbitmq"] = "disconnected"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":  state,
		"service": "transfer-api-service",
		"checks":  checks,
	})
}

// toTransferDTO converts a record for output; the callback token is never
// exposed
func toTransferDTO(job *model.TransferJob) dto.TransferDTO {
	return dto.TransferDTO{
		JobID:              job.JobID,
		ProductID:          job.ProductID,
		DestinationPath:    job.DestinationPath,
		SourceHost:         job.SourceHost.String,
		SourcePath:         job.SourcePath.String,
		Status:             job.Status,
		ExtraStatus:        job.ExtraStatus.String,
		ExternalJobHandle:  job.ExternalJobHandle.String,
		ExternalJobDetails: job.ExternalJobDetails,
		TimeSubmitted:      job.TimeSubmitted.Format(time.RFC3339),
		UpdatedAt:          job.UpdatedAt.Format(time.RFC3339),
	}
}
