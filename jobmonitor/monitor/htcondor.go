package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guardian/jobmonitor/common/models"
	"github.com/pkg/errors"
)

var htcondorStatusNames = map[int]string{
	1: "Idle",
	2: "Running",
	3: "Removed",
	4: "Completed",
	5: "Held",
	6: "TransferringOutput",
	7: "Suspended",
}

const htcondorAttributes = "ClusterId,ProcId,JobStatus,ExitCode,ExitBySignal,HoldReason,RemoveReason,EnteredCurrentStatus"

/**
the part of a job ClassAd that the monitor cares about
*/
type HTCondorJobAd struct {
	ClusterId            int       `mapstructure:"ClusterId"`
	ProcId               int       `mapstructure:"ProcId"`
	JobStatus            int       `mapstructure:"JobStatus"`
	ExitCode             *int      `mapstructure:"ExitCode"`
	ExitBySignal         bool      `mapstructure:"ExitBySignal"`
	HoldReason           string    `mapstructure:"HoldReason"`
	RemoveReason         string    `mapstructure:"RemoveReason"`
	EnteredCurrentStatus time.Time `mapstructure:"EnteredCurrentStatus"`
}

func (ad HTCondorJobAd) Observation() SchedulerObservation {
	stateName, known := htcondorStatusNames[ad.JobStatus]
	if !known {
		stateName = fmt.Sprintf("Unknown(%d)", ad.JobStatus)
	}
	obs := SchedulerObservation{
		BackendJobId: fmt.Sprintf("%d.%d", ad.ClusterId, ad.ProcId),
		State:        stateName,
	}
	switch {
	case ad.ExitBySignal:
		obs.ExitCode = -1
		obs.Reason = "killed by signal"
	case ad.ExitCode != nil:
		obs.ExitCode = *ad.ExitCode
	}
	if ad.HoldReason != "" {
		obs.Reason = ad.HoldReason
	} else if ad.RemoveReason != "" {
		obs.Reason = ad.RemoveReason
	}
	return obs
}

/**
translate an HTCondor job state into a job status
*/
func TranslateHTCondorState(obs SchedulerObservation) (models.JobStatus, string) {
	switch obs.State {
	case "Idle":
		return models.JOB_QUEUED, ""
	case "Running", "TransferringOutput", "Suspended":
		return models.JOB_RUNNING, ""
	case "Completed":
		if obs.ExitCode != 0 {
			if obs.Reason != "" {
				return models.JOB_FAILED, obs.Reason
			}
			return models.JOB_FAILED, fmt.Sprintf("exit code %d", obs.ExitCode)
		}
		return models.JOB_FINISHED, ""
	case "Removed", "Held":
		if obs.Reason != "" {
			return models.JOB_FAILED, obs.Reason
		}
		return models.JOB_FAILED, obs.State
	default:
		return models.JOB_RUNNING, ""
	}
}

type HTCondorClient struct {
	runner CommandRunner
}

func NewHTCondorClient(runner CommandRunner) *HTCondorClient {
	return &HTCondorClient{runner: runner}
}

func (c *HTCondorClient) Ping(ctx context.Context) error {
	_, err := c.runner.Run(ctx, "condor_version")
	return err
}

func (c *HTCondorClient) Stop(ctx context.Context, backendJobId string) error {
	_, err := c.runner.Run(ctx, "condor_rm", backendJobId)
	return err
}

/**
decode the output of a -json query into observations. Each ad is keyed by "cluster.proc", and
also by the bare cluster id for proc 0, since that is how single-job submissions are usually recorded.
*/
func parseHTCondorJson(content []byte) (map[string]SchedulerObservation, error) {
	rtn := make(map[string]SchedulerObservation)
	if len(strings.TrimSpace(string(content))) == 0 {
		return rtn, nil
	}

	var rawAds []map[string]interface{}
	if err := json.Unmarshal(content, &rawAds); err != nil {
		return nil, errors.Wrap(err, "could not understand htcondor output")
	}

	for _, rawAd := range rawAds {
		var ad HTCondorJobAd
		if decodeErr := models.CustomisedMapStructureDecode(rawAd, &ad); decodeErr != nil {
			return nil, errors.Wrapf(decodeErr, "could not decode job ad %v", rawAd)
		}
		obs := ad.Observation()
		rtn[obs.BackendJobId] = obs
		if ad.ProcId == 0 {
			rtn[fmt.Sprintf("%d", ad.ClusterId)] = obs
		}
	}
	return rtn, nil
}

func (c *HTCondorClient) query(ctx context.Context, tool string, backendJobIds []string) (map[string]SchedulerObservation, error) {
	args := append([]string{"-json", "-attributes", htcondorAttributes}, backendJobIds...)
	out, err := c.runner.Run(ctx, tool, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "could not query %s", tool)
	}
	return parseHTCondorJson(out)
}

/**
jobs still in the queue come from condor_q, anything that has left the queue is looked up in
condor_history
*/
func (c *HTCondorClient) Query(ctx context.Context, backendJobIds []string) (map[string]SchedulerObservation, error) {
	if len(backendJobIds) == 0 {
		return map[string]SchedulerObservation{}, nil
	}

	rtn, err := c.query(ctx, "condor_q", backendJobIds)
	if err != nil {
		return nil, err
	}

	missing := make([]string, 0)
	for _, id := range backendJobIds {
		if _, found := rtn[id]; !found {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return rtn, nil
	}

	history, histErr := c.query(ctx, "condor_history", missing)
	if histErr != nil {
		return nil, histErr
	}
	for _, id := range missing {
		if obs, found := history[id]; found {
			rtn[id] = obs
		}
	}
	return rtn, nil
}
