// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Job (spec §3, Job).
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Data is the platform-scoped payload a worker hands to the actor client.
type Data struct {
	Platform string                 `json:"platform"`
	ActorID  string                 `json:"actorId"`
	Input    map[string]interface{} `json:"input"`
	UserID   string                 `json:"userId,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Job is a unit of queued work (spec §3, Job).
type Job struct {
	ID           string     `json:"id"`
	Queue        string     `json:"queue"`
	Name         string     `json:"name"`
	Priority     int        `json:"priority"`
	Data         Data       `json:"data"`
	AttemptsMade int        `json:"attemptsMade"`
	MaxAttempts  int        `json:"maxAttempts"`
	DelayUntil   *time.Time `json:"delayUntil,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	ProcessedOn  *time.Time `json:"processedOn,omitempty"`
	FinishedOn   *time.Time `json:"finishedOn,omitempty"`
	FailedReason string     `json:"failedReason,omitempty"`
}

// New creates a waiting job, or a delayed one if delayUntil is non-nil.
func New(id, queueName, name string, priority int, data Data, maxAttempts int, delayUntil *time.Time) Job {
	status := StatusWaiting
	if delayUntil != nil && delayUntil.After(time.Now()) {
		status = StatusDelayed
	}
	return Job{
		ID:          id,
		Queue:       queueName,
		Name:        name,
		Priority:    priority,
		Data:        data,
		MaxAttempts: maxAttempts,
		DelayUntil:  delayUntil,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
}

// Marshal serializes the job to JSON for storage in Redis.
func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal parses a job previously produced by Marshal.
func Unmarshal(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}
