package monitor

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set"
	"github.com/guardian/jobmonitor/common/models"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

const (
	REASON_RUNNING   = "Running"
	REASON_COMPLETED = "Completed"
	REASON_ERROR     = "Error"
	REASON_OOMKILLED = "OOMKilled"
)

//container reasons that will never recover by themselves, whatever phase the pod reports
var unrecoverableReasons = mapset.NewSet(
	"ErrImagePull",
	"ImagePullBackOff",
	"InvalidImageName",
	"CreateContainerConfigError",
	"CreateContainerError",
)

var failureReasons = unrecoverableReasons.Union(mapset.NewSet(
	REASON_ERROR,
	REASON_OOMKILLED,
	"ContainerCannotRun",
	"DeadlineExceeded",
	"StartError",
))

func addStateIndicator(indicators mapset.Set, state corev1.ContainerState) {
	switch {
	case state.Waiting != nil:
		if state.Waiting.Reason != "" {
			indicators.Add(state.Waiting.Reason)
		}
	case state.Running != nil:
		indicators.Add(REASON_RUNNING)
	case state.Terminated != nil:
		reason := state.Terminated.Reason
		if reason == "" {
			if state.Terminated.ExitCode == 0 {
				reason = REASON_COMPLETED
			} else {
				reason = REASON_ERROR
			}
		}
		indicators.Add(reason)
	}
}

/**
flatten every container state the pod reports (init and main containers, current and last
termination state) into one set of reason strings
*/
func containerIndicators(pod *corev1.Pod) mapset.Set {
	indicators := mapset.NewSet()
	statuses := make([]corev1.ContainerStatus, 0, len(pod.Status.InitContainerStatuses)+len(pod.Status.ContainerStatuses))
	statuses = append(statuses, pod.Status.InitContainerStatuses...)
	statuses = append(statuses, pod.Status.ContainerStatuses...)

	for _, cs := range statuses {
		addStateIndicator(indicators, cs.State)
		addStateIndicator(indicators, cs.LastTerminationState)
	}
	return indicators
}

/**
lowest-sorting member of the set, so that the reason picked for a given pod never depends on map order
*/
func firstReason(from mapset.Set) string {
	if from.Cardinality() == 0 {
		return ""
	}
	values := make([]string, 0, from.Cardinality())
	for _, v := range from.ToSlice() {
		values = append(values, v.(string))
	}
	sort.Strings(values)
	return values[0]
}

/**
translate a pod observation into a job status and a failure reason (empty unless failed).
Rules in order:
 - any unrecoverable container reason fails the job, whatever the phase
 - Succeeded is finished, unless a container was OOMKilled
 - Failed is failed
 - more than one container reason with any failure among them is failed
 - anything else is still running
*/
func TranslatePodStatus(pod *corev1.Pod) (models.JobStatus, string) {
	indicators := containerIndicators(pod)

	if reason := firstReason(indicators.Intersect(unrecoverableReasons)); reason != "" {
		return models.JOB_FAILED, reason
	}

	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		if indicators.Contains(REASON_OOMKILLED) {
			return models.JOB_FAILED, REASON_OOMKILLED
		}
		return models.JOB_FINISHED, ""
	case corev1.PodFailed:
		if reason := firstReason(indicators.Intersect(failureReasons)); reason != "" {
			return models.JOB_FAILED, reason
		}
		if pod.Status.Reason != "" {
			return models.JOB_FAILED, pod.Status.Reason
		}
		return models.JOB_FAILED, REASON_ERROR
	}

	if indicators.Cardinality() > 1 {
		if reason := firstReason(indicators.Intersect(failureReasons)); reason != "" {
			return models.JOB_FAILED, reason
		}
	}
	return models.JOB_RUNNING, ""
}

/**
translate the counters of a batch Job. A failed count wins over a succeeded count when both are set.
*/
func TranslateJobCounters(job *batchv1.Job) (models.JobStatus, string) {
	if job.Status.Failed > 0 {
		for _, cond := range job.Status.Conditions {
			if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue && cond.Reason != "" {
				return models.JOB_FAILED, cond.Reason
			}
		}
		return models.JOB_FAILED, fmt.Sprintf("%d pod(s) failed", job.Status.Failed)
	}
	if job.Status.Succeeded > 0 {
		return models.JOB_FINISHED, ""
	}
	return models.JOB_RUNNING, ""
}

/**
true if the counters report a terminal outcome and nothing is active any more
*/
func jobCountersTerminal(status batchv1.JobStatus) bool {
	if status.Active > 0 {
		return false
	}
	return status.Succeeded > 0 || status.Failed > 0
}
