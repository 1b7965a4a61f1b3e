package model

import (
	"database/sql"
	"time"
)

// TransferJob is a row of transfer_jobs
type TransferJob struct {
	JobID              string         `db:"job_id"`
	ProductID          string         `db:"product_id"`
	DestinationPath    string         `db:"destination_path"`
	SourcePath         sql.NullString `db:"source_path"`
	SourceHost         sql.NullString `db:"source_host"`
	Status             string         `db:"status"`
	ExtraStatus        sql.NullString `db:"extra_status"`
	CallbackToken      string         `db:"callback_token"`
	ExternalJobHandle  sql.NullString `db:"external_job_handle"`
	ExternalJobDetails []byte         `db:"external_job_details"`
	TimeSubmitted      time.Time      `db:"time_submitted"`
	UpdatedAt          time.Time      `db:"updated_at"`
}
