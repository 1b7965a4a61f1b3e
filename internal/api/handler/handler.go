package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/transfer-manager/internal/api/model"
	"github.com/cuongbtq/transfer-manager/internal/api/storage"
)

// Submitter runs the intake workflow for one transfer request
type Submitter interface {
	Submit(ctx context.Context, productID, destinationPath string) (string, error)
}

// JobReader reads job records for status queries
type JobReader interface {
	GetJobByID(ctx context.Context, jobID string) (*model.TransferJob, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.TransferJob, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerStatus reports the broker connection state
type BrokerStatus interface {
	IsConnected() bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Transfers Submitter
	Jobs      JobReader
	Database  HealthChecker
	Broker    BrokerStatus
}

// TransferHandler handles transfer-related HTTP requests
type TransferHandler struct {
	logger    *slog.Logger
	transfers Submitter
	jobs      JobReader
	database  HealthChecker
	broker    BrokerStatus
}

// NewTransferHandler creates a new TransferHandler instance
func NewTransferHandler(deps *Dependencies) *TransferHandler {
	return &TransferHandler{
		logger:    deps.Logger,
		transfers: deps.Transfers,
		jobs:      deps.Jobs,
		database:  deps.Database,
		broker:    deps.Broker,
	}
}
