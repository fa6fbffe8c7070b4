package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/guardian/jobmonitor/common/models"
	"github.com/pkg/errors"
)

/**
translate a Slurm job state (as reported by sacct) into a job status.
sacct may add detail after the state, e.g. "CANCELLED by 1234", which is ignored.
*/
func TranslateSlurmState(obs SchedulerObservation) (models.JobStatus, string) {
	fields := strings.Fields(obs.State)
	if len(fields) == 0 {
		return models.JOB_RUNNING, ""
	}
	state := strings.TrimSuffix(fields[0], "+")

	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "REQUEUE_FED", "RESV_DEL_HOLD":
		return models.JOB_QUEUED, ""
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SIGNALING", "SUSPENDED", "RESIZING", "STOPPED":
		return models.JOB_RUNNING, ""
	case "COMPLETED":
		if obs.ExitCode != 0 {
			return models.JOB_FAILED, fmt.Sprintf("exit code %d", obs.ExitCode)
		}
		return models.JOB_FINISHED, ""
	case "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED", "BOOT_FAIL", "DEADLINE", "REVOKED", "SPECIAL_EXIT":
		if obs.ExitCode != 0 {
			return models.JOB_FAILED, fmt.Sprintf("%s (exit code %d)", state, obs.ExitCode)
		}
		return models.JOB_FAILED, state
	default:
		return models.JOB_RUNNING, ""
	}
}

type SlurmClient struct {
	runner CommandRunner
}

func NewSlurmClient(runner CommandRunner) *SlurmClient {
	return &SlurmClient{runner: runner}
}

func (c *SlurmClient) Ping(ctx context.Context) error {
	_, err := c.runner.Run(ctx, "sinfo", "--version")
	return err
}

func (c *SlurmClient) Stop(ctx context.Context, backendJobId string) error {
	_, err := c.runner.Run(ctx, "scancel", backendJobId)
	return err
}

/**
parse "exitcode:signal" as printed by sacct
*/
func parseSlurmExitCode(from string) int {
	parts := strings.SplitN(from, ":", 2)
	code, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0
	}
	return code
}

func parseSacctOutput(content string) map[string]SchedulerObservation {
	rtn := make(map[string]SchedulerObservation)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			continue
		}
		rtn[parts[0]] = SchedulerObservation{
			BackendJobId: parts[0],
			State:        parts[1],
			ExitCode:     parseSlurmExitCode(parts[2]),
		}
	}
	return rtn
}

func (c *SlurmClient) Query(ctx context.Context, backendJobIds []string) (map[string]SchedulerObservation, error) {
	if len(backendJobIds) == 0 {
		return map[string]SchedulerObservation{}, nil
	}
	out, err := c.runner.Run(ctx, "sacct", "-n", "-P", "-X", "--format=JobID,State,ExitCode", "-j", strings.Join(backendJobIds, ","))
	if err != nil {
		return nil, errors.Wrap(err, "could not query slurm accounting")
	}
	return parseSacctOutput(string(out)), nil
}
