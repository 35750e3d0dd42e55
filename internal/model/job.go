package model

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "error"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job tracks the harmonization of a single source file through its fixed
// step sequence. Exactly one job exists per (file, harmonization run); the
// step index only ever increases.
type Job struct {
	ID           string `json:"job_id"`
	FilePath     string `json:"file_path"`
	Bucket       string `json:"bucket"`
	DeliveryDate string `json:"delivery_date"`
	Site         string `json:"site"`
	VocabVersion string `json:"vocab_version"`
	CDMVersion   string `json:"cdm_version"`
	ProjectID    string `json:"project_id"`
	DatasetID    string `json:"dataset_id"`

	Steps            []StepKind `json:"steps"`
	CurrentStepIndex int        `json:"current_step_index"`
	Status           JobStatus  `json:"status"`
	Error            string     `json:"error,omitempty"`

	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time,omitempty"`
	LastUpdated time.Time `json:"last_updated,omitempty"`
}

// CurrentStep returns the step at the job's current index, or false when the
// job has run past the end of its sequence.
func (j *Job) CurrentStep() (StepKind, bool) {
	if j.CurrentStepIndex < 0 || j.CurrentStepIndex >= len(j.Steps) {
		return "", false
	}
	return j.Steps[j.CurrentStepIndex], true
}

// Progress reports completed steps over total, e.g. "3/5".
func (j *Job) Progress() string {
	return fmt.Sprintf("%d/%d", j.CurrentStepIndex, len(j.Steps))
}
