package dto

import "encoding/json"

// CreateTransferRequest accepts JSON fields or the form fields used by the
// existing front end
type CreateTransferRequest struct {
	ProductID       string `json:"product_id" form:"productID"`
	DestinationPath string `json:"destination_path" form:"destinationPath"`
}

// SubmitResponse is the body returned for every intake request
type SubmitResponse struct {
	Error bool    `json:"error"`
	JobID *string `json:"job_id"`
	Msg   string  `json:"msg"`
}

type ListTransfersRequest struct {
	ProductID string `form:"product_id"`
	Status    string `form:"status"`
	PageSize  int    `form:"page_size"`
	Cursor    string `form:"cursor"`
}

type ListTransfersResponse struct {
	Transfers  []TransferDTO `json:"transfers"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type TransferDTO struct {
	JobID              string          `json:"job_id"`
	ProductID          string          `json:"product_id"`
	DestinationPath    string          `json:"destination_path"`
	SourceHost         string          `json:"source_host,omitempty"`
	SourcePath         string          `json:"source_path,omitempty"`
	Status             string          `json:"status"`
	ExtraStatus        string          `json:"extra_status,omitempty"`
	ExternalJobHandle  string          `json:"external_job_handle,omitempty"`
	ExternalJobDetails json.RawMessage `json:"external_job_details,omitempty"`
	TimeSubmitted      string          `json:"time_submitted"`
	UpdatedAt          string          `json:"updated_at"`
}
