package monitor

import (
	"context"

	"github.com/google/uuid"
	"github.com/guardian/jobmonitor/common/models"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

/**
a Monitor observes job state on one compute backend and reconciles it into the job store.
Prepare connects to the backend and must succeed before Run is started; Run is the observation loop
and only returns once its context is cancelled.
*/
type Monitor interface {
	Backend() models.ComputeBackend
	Prepare(ctx context.Context) error
	Run(ctx context.Context)
	CleanJob(ctx context.Context, backendJobId string)
}

/**
best-effort termination of a job on its backend
*/
type JobStopper interface {
	Stop(ctx context.Context, backendJobId string) error
}

var errSkip = errors.New("observation does not need processing")

/**
state and record handling shared by every backend monitor
*/
type baseMonitor struct {
	backend        models.ComputeBackend
	store          models.JobStore
	notifier       Notifier
	stopper        JobStopper
	//a finished kubernetes job object stays behind until removed, a finished scheduler job is already gone
	stopOnFinalize bool
	logger         *log.Entry
}

func newBaseMonitor(backend models.ComputeBackend, store models.JobStore, notifier Notifier, stopper JobStopper) baseMonitor {
	if notifier == nil {
		notifier = NewLogNotifier(log.StandardLogger())
	}
	return baseMonitor{
		backend:  backend,
		store:    store,
		notifier: notifier,
		stopper:  stopper,
		logger:   log.WithField("backend", backend),
	}
}

func (m *baseMonitor) Backend() models.ComputeBackend {
	return m.backend
}

/**
returns the record for the given backend job id if this monitor should act on it, or nil if not.
A lookup failure counts as "not processable" so that one store hiccup does not stop the loop.
*/
func (m *baseMonitor) processableRecord(backendJobId string) *models.JobRecord {
	rec, err := m.store.FindByBackendJobId(m.backend, backendJobId)
	if err != nil {
		m.logger.Errorf("Could not look up job record for %s: %s", backendJobId, err)
		return nil
	}
	if rec == nil {
		m.logger.Debugf("No job record for %s, ignoring", backendJobId)
		return nil
	}
	if rec.ComputeBackend != m.backend || rec.Deleted {
		return nil
	}
	return rec
}

/**
write a terminal status for the given job. The status, the captured logs and the deleted flag go into
the store as one atomic update, so two observations of the same transition cannot both get through.
After a successful write the status change is announced, and for backends that keep finished jobs
around the backend job is removed.
Returns true if this call handled the transition.
*/
func (m *baseMonitor) finalizeJob(ctx context.Context, jobId uuid.UUID, backendJobId string, status models.JobStatus, reason string, logs string) bool {
	var updated models.JobRecord
	err := m.store.Update(jobId, func(rec *models.JobRecord) error {
		if rec.Deleted || rec.ComputeBackend != m.backend {
			return errSkip
		}
		next, ok := rec.WithNewStatus(status, reason)
		if !ok {
			return errSkip
		}
		if logs != "" {
			next.Logs = logs
		}
		next.Deleted = true
		*rec = next
		updated = next
		return nil
	})

	if err == errSkip {
		m.logger.Debugf("Job %s was already handled, not processing again", backendJobId)
		return false
	}
	if err != nil {
		m.logger.Errorf("Could not update job %s to %s: %s", backendJobId, status, err)
		return false
	}

	m.notifier.StatusChanged(updated)
	if m.stopOnFinalize {
		m.stopBackendJob(ctx, backendJobId)
	}
	return true
}

/**
move a queued record to running. Any other non-terminal observation leaves the record alone.
*/
func (m *baseMonitor) promoteJob(jobId uuid.UUID, status models.JobStatus) {
	if status != models.JOB_RUNNING {
		return
	}

	var updated models.JobRecord
	err := m.store.Update(jobId, func(rec *models.JobRecord) error {
		if rec.Deleted || rec.Status != models.JOB_QUEUED {
			return errSkip
		}
		next, ok := rec.WithNewStatus(status, "")
		if !ok {
			return errSkip
		}
		*rec = next
		updated = next
		return nil
	})
	if err == errSkip {
		return
	}
	if err != nil {
		m.logger.Errorf("Could not update job %s to %s: %s", jobId, status, err)
		return
	}
	m.notifier.StatusChanged(updated)
}

func (m *baseMonitor) stopBackendJob(ctx context.Context, backendJobId string) {
	if m.stopper == nil {
		return
	}
	if stopErr := m.stopper.Stop(ctx, backendJobId); stopErr != nil {
		m.logger.Warnf("Could not stop backend job %s: %s", backendJobId, stopErr)
	}
}

/**
stop the backend job and mark its record as deleted. The record is marked whether or not the stop
succeeded. Unknown jobs are ignored.
*/
func (m *baseMonitor) CleanJob(ctx context.Context, backendJobId string) {
	rec, err := m.store.FindByBackendJobId(m.backend, backendJobId)
	if err != nil {
		m.logger.Errorf("Could not look up job record for %s: %s", backendJobId, err)
		return
	}
	if rec == nil {
		m.logger.Debugf("Nothing to clean for %s", backendJobId)
		return
	}

	m.stopBackendJob(ctx, backendJobId)

	if markErr := m.store.MarkDeleted(rec.JobId); markErr != nil {
		m.logger.Errorf("Could not mark job %s as deleted: %s", rec.JobId, markErr)
	}
}

/**
run one unit of observation processing, so that a panic in it is logged rather than killing the loop
*/
func (m *baseMonitor) contain(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Recovered from panic while processing %s: %v", what, r)
		}
	}()
	fn()
}
