package storage

import "time"

// Entry is what the orchestrator hands the store for one execution attempt.
type Entry struct {
	Username string
	Filename string
	ExitCode int
	Stdout   string
	Stderr   string
}

// LogRecord is an immutable row of the execution log. ID and CreatedAt are
// assigned by the store.
type LogRecord struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Filename  string    `json:"filename"`
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	CreatedAt time.Time `json:"created_at"`
}
