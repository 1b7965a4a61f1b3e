package domain

import "time"

// Status is the lifecycle state of a transfer job record.
type Status string

// Job status values. A record is created as ERROR and promoted to STAGING only
// once it has been handed to the staging pipeline.
const (
	StatusStaging      Status = "STAGING"
	StatusTransferring Status = "TRANSFERRING"
	StatusSuccess      Status = "SUCCESS"
	StatusError        Status = "ERROR"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStaging, StatusTransferring, StatusSuccess, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether no further status transitions may occur.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// CanTransition reports whether a job may move from one status to another.
// Creation (ERROR -> STAGING) is not a transition: it is the commit of a new
// record and is handled by the intake workflow.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusStaging:
		return to == StatusTransferring || to == StatusError
	case StatusTransferring:
		return to == StatusSuccess || to == StatusError
	default:
		return false
	}
}

// TransferSource is what the submission step reads for a job.
type TransferSource struct {
	JobID           string
	Status          Status
	SourceHost      string
	SourcePath      string
	DestinationPath string
}

// TransferringJob is one row of the reconciliation work list.
type TransferringJob struct {
	JobID             string `db:"job_id"`
	ExternalJobHandle string `db:"external_job_handle"`
}

// JobMessage represents a job identifier received from the transfer-intake queue
type JobMessage struct {
	JobID       string
	DeliveryTag uint64
	ReceivedAt  time.Time
}
