package monitor

import (
	"context"
	"time"

	"github.com/guardian/jobmonitor/common/models"
	"github.com/pkg/errors"
)

/**
what a batch scheduler reports about one job. State is the scheduler's own name for the state
*/
type SchedulerObservation struct {
	BackendJobId string
	State        string
	ExitCode     int
	Reason       string
}

type SchedulerClient interface {
	JobStopper
	Ping(ctx context.Context) error
	Query(ctx context.Context, backendJobIds []string) (map[string]SchedulerObservation, error)
}

type SchedulerTranslator func(obs SchedulerObservation) (models.JobStatus, string)

/**
monitor for a batch scheduler that can only be polled
*/
type SchedulerMonitor struct {
	baseMonitor
	client       SchedulerClient
	translate    SchedulerTranslator
	pollInterval time.Duration
}

func NewSchedulerMonitor(backend models.ComputeBackend, client SchedulerClient, translate SchedulerTranslator, store models.JobStore, notifier Notifier, pollInterval time.Duration) *SchedulerMonitor {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &SchedulerMonitor{
		baseMonitor:  newBaseMonitor(backend, store, notifier, client),
		client:       client,
		translate:    translate,
		pollInterval: pollInterval,
	}
}

func NewSlurmMonitor(client SchedulerClient, store models.JobStore, notifier Notifier, pollInterval time.Duration) *SchedulerMonitor {
	return NewSchedulerMonitor(models.BACKEND_SLURM, client, TranslateSlurmState, store, notifier, pollInterval)
}

func NewHTCondorMonitor(client SchedulerClient, store models.JobStore, notifier Notifier, pollInterval time.Duration) *SchedulerMonitor {
	return NewSchedulerMonitor(models.BACKEND_HTCONDOR, client, TranslateHTCondorState, store, notifier, pollInterval)
}

func (m *SchedulerMonitor) Prepare(ctx context.Context) error {
	if err := m.client.Ping(ctx); err != nil {
		return errors.Wrapf(err, "%s scheduler is not reachable", m.backend)
	}
	return nil
}

func (m *SchedulerMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollTick(ctx)
		}
	}
}

/**
query the scheduler for every live record of this backend and act on what it says
*/
func (m *SchedulerMonitor) pollTick(ctx context.Context) {
	records, listErr := m.store.List(m.backend, false)
	if listErr != nil {
		m.logger.Errorf("Could not list job records: %s", listErr)
		return
	}
	if len(records) == 0 {
		return
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.BackendJobId
	}

	observations, queryErr := m.client.Query(ctx, ids)
	if queryErr != nil {
		m.logger.Errorf("Could not query scheduler for %d jobs: %s", len(ids), queryErr)
		return
	}

	for _, rec := range records {
		obs, found := observations[rec.BackendJobId]
		if !found {
			m.logger.Debugf("Scheduler knows nothing about %s yet", rec.BackendJobId)
			continue
		}
		current := rec
		m.contain("observation for "+rec.BackendJobId, func() {
			m.processObservation(ctx, current, obs)
		})
	}
}

func (m *SchedulerMonitor) processObservation(ctx context.Context, rec models.JobRecord, obs SchedulerObservation) {
	if rec.ComputeBackend != m.backend || rec.Deleted {
		return
	}

	status, reason := m.translate(obs)
	if !status.IsTerminal() {
		m.promoteJob(rec.JobId, status)
		return
	}
	if m.finalizeJob(ctx, rec.JobId, rec.BackendJobId, status, reason, "") {
		m.logger.Infof("Job %s is %s (scheduler state %s)", rec.BackendJobId, status, obs.State)
	}
}
