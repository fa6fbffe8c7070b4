package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JOB_QUEUED   JobStatus = "queued"
	JOB_RUNNING  JobStatus = "running"
	JOB_FINISHED JobStatus = "finished"
	JOB_FAILED   JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JOB_FINISHED || s == JOB_FAILED
}

func ParseJobStatus(from string) (JobStatus, error) {
	switch JobStatus(from) {
	case JOB_QUEUED, JOB_RUNNING, JOB_FINISHED, JOB_FAILED:
		return JobStatus(from), nil
	default:
		return "", fmt.Errorf("unknown job status '%s'", from)
	}
}

type ComputeBackend string

const (
	BACKEND_KUBERNETES ComputeBackend = "kubernetes"
	BACKEND_SLURM      ComputeBackend = "slurmcern"
	BACKEND_HTCONDOR   ComputeBackend = "htcondorcern"
)

var AllBackends = []ComputeBackend{BACKEND_KUBERNETES, BACKEND_SLURM, BACKEND_HTCONDOR}

func ParseComputeBackend(from string) (ComputeBackend, error) {
	for _, b := range AllBackends {
		if string(b) == from {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown compute backend '%s'", from)
}

/**
one record per submitted job. Created by the submission path, afterwards only the monitor
for ComputeBackend writes to it.
*/
type JobRecord struct {
	JobId          uuid.UUID      `json:"job_id"`
	BackendJobId   string         `json:"backend_job_id"`
	ComputeBackend ComputeBackend `json:"compute_backend"`
	Status         JobStatus      `json:"status"`
	Deleted        bool           `json:"deleted"`
	FailureReason  string         `json:"failure_reason"`
	Logs           string         `json:"logs"`
	CreatedAt      *time.Time     `json:"created_at"`
	UpdatedAt      *time.Time     `json:"updated_at"`
	FinishedAt     *time.Time     `json:"finished_at"`
}

func NewJobRecord(backend ComputeBackend, backendJobId string) *JobRecord {
	nowTime := time.Now()
	return &JobRecord{
		JobId:          uuid.New(),
		BackendJobId:   backendJobId,
		ComputeBackend: backend,
		Status:         JOB_QUEUED,
		CreatedAt:      &nowTime,
		UpdatedAt:      &nowTime,
	}
}

/**
returns a copy of the record with the new status applied, and whether the status write was allowed.
A deleted record never takes a new status and a terminal status never goes back to a non-terminal one.
A terminal status may still be corrected (e.g. finished -> failed) while the record is not deleted.
*/
func (r JobRecord) WithNewStatus(newStatus JobStatus, reason string) (JobRecord, bool) {
	if r.Deleted {
		return r, false
	}
	if r.Status.IsTerminal() && !newStatus.IsTerminal() {
		return r, false
	}

	nowTime := time.Now()
	if newStatus.IsTerminal() && r.FinishedAt == nil {
		r.FinishedAt = &nowTime
	}
	r.Status = newStatus
	if reason != "" {
		r.FailureReason = reason
	}
	r.UpdatedAt = &nowTime
	return r, true
}

func (r JobRecord) String() string {
	return fmt.Sprintf("%s (%s %s, %s)", r.JobId, r.ComputeBackend, r.BackendJobId, r.Status)
}
