package models

import (
	"time"
)

// RunStatus is the lifecycle state of a simulation run
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
)

// Run describes one simulation run
type Run struct {
	BaseModel

	Name       string      `json:"name" db:"name"`
	Seed       int64       `json:"seed" db:"seed"`
	Region     string      `json:"region" db:"region"`
	Duration   SimDuration `json:"duration" db:"duration"`
	Devices    int         `json:"devices" db:"devices"`
	Gateways   int         `json:"gateways" db:"gateways"`
	Status     RunStatus   `json:"status" db:"status"`
	Error      string      `json:"error,omitempty" db:"error"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty" db:"finished_at"`
}
