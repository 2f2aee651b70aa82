// Package sidecar supervises the locally spawned agent sidecar process.
package sidecar

import (
	"errors"
	"time"
)

// Status represents the sidecar process status.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusCrashed  Status = "crashed"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

var (
	// ErrBreakerOpen is returned when the start circuit breaker is
	// rejecting attempts during its cooldown.
	ErrBreakerOpen = errors.New("sidecar start circuit breaker is open")

	// ErrNotRunning is returned by operations that need a live sidecar.
	ErrNotRunning = errors.New("sidecar is not running")

	// ErrNoCommand is returned when no sidecar command is configured.
	ErrNoCommand = errors.New("no sidecar command configured")
)

// Info is a point-in-time snapshot of the supervised process.
type Info struct {
	Status       Status       `json:"status"`
	PID          int          `json:"pid,omitempty"`
	Port         int          `json:"port,omitempty"`
	BaseURL      string       `json:"baseUrl,omitempty"`
	StartedAt    *time.Time   `json:"startedAt,omitempty"`
	Restarts     int          `json:"restarts"`
	LastExitCode int          `json:"lastExitCode"`
	Breaker      BreakerState `json:"breaker"`
}

// StatusEvent is the payload published on sidecar.status transitions.
type StatusEvent struct {
	Status   Status `json:"status"`
	PID      int    `json:"pid,omitempty"`
	Port     int    `json:"port,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
