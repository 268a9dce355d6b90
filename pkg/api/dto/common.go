package dto

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// SuccessResponse is the standard success envelope for operations
// without a richer payload.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// ListQuery carries common list query parameters.
type ListQuery struct {
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
	Status string `form:"status"`
}

// Clamp bounds limit to (0, max].
func (q *ListQuery) Clamp(defaultLimit, max int) {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > max {
		q.Limit = max
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}
