package api

import "time"

// Execution status strings returned by POST /execute.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ExecuteResponse is the body of a completed POST /execute. Status is
// "success" only when the program exited 0; timeouts and setup failures
// report their sentinel exit codes with status "error".
type ExecuteResponse struct {
	ExecID   string   `json:"exec_id,omitempty"`
	Status   string   `json:"status"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	Duration Duration `json:"duration"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Runtime  bool   `json:"runtime"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}

// LanguagesResponse lists the accepted upload extensions.
type LanguagesResponse struct {
	Languages  []string `json:"languages"`
	Extensions []string `json:"extensions"`
}
