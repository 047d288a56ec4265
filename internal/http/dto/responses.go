package dto

type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// ExportJobResponse is returned with 202 when an export is deferred.
type ExportJobResponse struct {
	OK     bool   `json:"ok"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Rows   int64  `json:"row_estimate"`
}
