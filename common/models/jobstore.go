package models

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrRecordNotFound = errors.New("job record not found")
	ErrRecordExists   = errors.New("job record already exists")
)

/**
the job registry. Every implementation must be safe for concurrent use by the submission path and
by the monitors.
Get and FindByBackendJobId return nil with no error if the record does not exist.
Update performs an atomic read-modify-write; if the callback returns an error nothing is written
and that error is returned to the caller.
*/
type JobStore interface {
	Get(jobId uuid.UUID) (*JobRecord, error)
	FindByBackendJobId(backend ComputeBackend, backendJobId string) (*JobRecord, error)
	Put(rec *JobRecord) error
	MarkDeleted(jobId uuid.UUID) error
	Update(jobId uuid.UUID, fn func(rec *JobRecord) error) error
	List(backend ComputeBackend, includeDeleted bool) ([]JobRecord, error)
}
