package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/guardian/jobmonitor/common/models"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

const podDisruptionTarget corev1.PodConditionType = "DisruptionTarget"

type KubernetesMonitorConfig struct {
	Namespace     string
	LabelSelector string
	KueueEnabled  bool //watch batch Jobs rather than pods, as needed under queue admission control
	LogTailLines  int64
}

type KubernetesMonitor struct {
	baseMonitor
	client         kubernetes.Interface
	config         KubernetesMonitorConfig
	restartLimiter *rate.Limiter
}

func NewKubernetesMonitor(client kubernetes.Interface, store models.JobStore, notifier Notifier, config KubernetesMonitorConfig) *KubernetesMonitor {
	if config.Namespace == "" {
		config.Namespace = "default"
	}
	base := newBaseMonitor(models.BACKEND_KUBERNETES, store, notifier, NewKubernetesJobStopper(client, config.Namespace))
	base.stopOnFinalize = true
	return &KubernetesMonitor{
		baseMonitor:    base,
		client:         client,
		config:         config,
		restartLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

func (m *KubernetesMonitor) openWatch(ctx context.Context) (watch.Interface, error) {
	opts := metav1.ListOptions{LabelSelector: m.config.LabelSelector}
	if m.config.KueueEnabled {
		return m.client.BatchV1().Jobs(m.config.Namespace).Watch(ctx, opts)
	}
	return m.client.CoreV1().Pods(m.config.Namespace).Watch(ctx, opts)
}

/**
check that the cluster answers before the monitor is started. The watch itself is opened by Run,
since ctx only covers start-up and a watch outlives it.
*/
func (m *KubernetesMonitor) Prepare(ctx context.Context) error {
	opts := metav1.ListOptions{LabelSelector: m.config.LabelSelector, Limit: 1}
	var err error
	if m.config.KueueEnabled {
		_, err = m.client.BatchV1().Jobs(m.config.Namespace).List(ctx, opts)
	} else {
		_, err = m.client.CoreV1().Pods(m.config.Namespace).List(ctx, opts)
	}
	if err != nil {
		return errors.Wrapf(err, "could not list namespace %s", m.config.Namespace)
	}
	return nil
}

func (m *KubernetesMonitor) Run(ctx context.Context) {
	reopening := false
	for {
		if reopening {
			if waitErr := m.restartLimiter.Wait(ctx); waitErr != nil {
				return
			}
		}
		reopening = true

		watcher, err := m.openWatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Errorf("Could not open watch on %s: %s", m.config.Namespace, err)
			continue
		}
		if !m.consume(ctx, watcher) {
			return
		}
	}
}

/**
process events until the watch closes (returns true) or the context is cancelled (returns false)
*/
func (m *KubernetesMonitor) consume(ctx context.Context, watcher watch.Interface) bool {
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case event, isOpen := <-watcher.ResultChan():
			if !isOpen {
				m.logger.Info("Watch closed by the server, re-opening")
				return true
			}
			m.handleEvent(ctx, event)
		}
	}
}

func (m *KubernetesMonitor) handleEvent(ctx context.Context, event watch.Event) {
	switch event.Type {
	case watch.Error:
		m.logger.Warnf("Watch reported an error: %v", event.Object)
		return
	case watch.Bookmark:
		return
	}

	m.contain(string(event.Type)+" event", func() {
		switch obj := event.Object.(type) {
		case *corev1.Pod:
			m.processPod(ctx, obj)
		case *batchv1.Job:
			m.processJob(ctx, obj)
		default:
			m.logger.Debugf("Ignoring watch event for %T", event.Object)
		}
	})
}

/**
the backend job id is the name of the batch Job that owns the pod
*/
func BackendJobIdForPod(pod *corev1.Pod) string {
	if name, haveName := pod.Labels["job-name"]; haveName && name != "" {
		return name
	}
	if name, haveName := pod.Labels["batch.kubernetes.io/job-name"]; haveName && name != "" {
		return name
	}
	return pod.Name
}

/**
a pod observation is processed if it belongs to a job record of this backend that has not been deleted.
Whether the pod is still active does not matter here, that is decided by the status translation.
*/
func (m *KubernetesMonitor) ShouldProcessJobPod(pod *corev1.Pod) bool {
	return m.processableRecord(BackendJobIdForPod(pod)) != nil
}

/**
a batch Job observation is processed if it belongs to a live job record of this backend and
reports a succeeded or failed count with nothing still active. An active count, e.g. a retry in flight,
defers the decision to a later observation.
*/
func (m *KubernetesMonitor) ShouldProcessJob(job *batchv1.Job) bool {
	if !jobCountersTerminal(job.Status) {
		return false
	}
	return m.processableRecord(job.Name) != nil
}

/**
emit one warning for every true DisruptionTarget condition in the list
*/
func (m *KubernetesMonitor) LogDisruption(conditions []corev1.PodCondition, backendJobId string) {
	for _, cond := range conditions {
		if cond.Type == podDisruptionTarget && cond.Status == corev1.ConditionTrue {
			m.notifier.Warn(backendJobId, fmt.Sprintf("%s: Job %s was disrupted: %s", cond.Reason, backendJobId, cond.Message))
		}
	}
}

func (m *KubernetesMonitor) processPod(ctx context.Context, pod *corev1.Pod) {
	backendJobId := BackendJobIdForPod(pod)
	rec := m.processableRecord(backendJobId)
	if rec == nil {
		return
	}

	m.LogDisruption(pod.Status.Conditions, backendJobId)

	status, reason := TranslatePodStatus(pod)
	if !status.IsTerminal() {
		m.promoteJob(rec.JobId, status)
		return
	}

	logs := m.collectPodLogs(ctx, []corev1.Pod{*pod})
	if m.finalizeJob(ctx, rec.JobId, backendJobId, status, reason, logs) {
		m.logger.Infof("Job %s on pod %s is %s", backendJobId, pod.Name, status)
	}
}

func (m *KubernetesMonitor) processJob(ctx context.Context, job *batchv1.Job) {
	if !jobCountersTerminal(job.Status) {
		return
	}
	rec := m.processableRecord(job.Name)
	if rec == nil {
		return
	}

	status, reason := TranslateJobCounters(job)

	pods, listErr := m.jobPods(ctx, job)
	if listErr != nil {
		m.logger.Errorf("Could not list pods for job %s: %s", job.Name, listErr)
	}
	for i := range pods {
		m.LogDisruption(pods[i].Status.Conditions, job.Name)
		if status == models.JOB_FAILED {
			//the pod usually knows more than the job about why it failed
			if podStatus, podReason := TranslatePodStatus(&pods[i]); podStatus == models.JOB_FAILED && podReason != "" {
				reason = podReason
			}
		}
	}

	logs := m.collectPodLogs(ctx, pods)
	if m.finalizeJob(ctx, rec.JobId, job.Name, status, reason, logs) {
		m.logger.Infof("Job %s is %s", job.Name, status)
	}
}

func (m *KubernetesMonitor) jobPods(ctx context.Context, job *batchv1.Job) ([]corev1.Pod, error) {
	ns := job.Namespace
	if ns == "" {
		ns = m.config.Namespace
	}
	podList, err := m.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", job.Name),
	})
	if err != nil {
		return nil, err
	}
	return podList.Items, nil
}
