package dto

// ErrorResponse is the body of every failed conversion or API call
type ErrorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// ConvertParams are the conversion options accepted as query parameters
type ConvertParams struct {
	Target    string `form:"target"`
	Source    string `form:"source"`
	Tolerance string `form:"tolerance"`
	Filename  string `form:"filename"`
}

type ListConversionsRequest struct {
	Outcome      string `form:"outcome"`
	SourceFormat string `form:"source_format"`
	TargetFormat string `form:"target_format"`
	PageSize     int    `form:"page_size"`
	Cursor       string `form:"cursor"`
}

type ListConversionsResponse struct {
	Conversions []ConversionDTO `json:"conversions"`
	NextCursor  string          `json:"next_cursor,omitempty"`
}

type ConversionDTO struct {
	RequestID    string `json:"request_id"`
	JobID        string `json:"job_id,omitempty"`
	Outcome      string `json:"outcome"`
	StatusCode   int    `json:"status_code"`
	SourceFormat string `json:"source_format,omitempty"`
	TargetFormat string `json:"target_format,omitempty"`
	InputBytes   int64  `json:"input_bytes"`
	OutputBytes  int64  `json:"output_bytes"`
	DurationMS   int64  `json:"duration_ms"`
	Message      string `json:"message,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type FormatDTO struct {
	Name        string `json:"name"`
	Extension   string `json:"extension"`
	ContentType string `json:"content_type"`
	Geometry    string `json:"geometry"`
}

type PairDTO struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type FormatsResponse struct {
	Formats []FormatDTO `json:"formats"`
	Pairs   []PairDTO   `json:"pairs"`
}

type ExecutorStatusDTO struct {
	Running           int  `json:"running"`
	Queued            int  `json:"queued"`
	MaxConcurrentJobs int  `json:"max_concurrent_jobs"`
	QueueDepth        int  `json:"queue_depth"`
	Accepting         bool `json:"accepting"`
}

type HealthResponse struct {
	Status   string            `json:"status"`
	Service  string            `json:"service"`
	Version  string            `json:"version"`
	Executor ExecutorStatusDTO `json:"executor"`
}
