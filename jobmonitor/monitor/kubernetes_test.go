package monitor

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guardian/jobmonitor/common/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const testNamespace = "jobs"

func newTestKubernetesMonitor(client *fake.Clientset, store models.JobStore, notifier Notifier, kueue bool) *KubernetesMonitor {
	return NewKubernetesMonitor(client, store, notifier, KubernetesMonitorConfig{
		Namespace:     testNamespace,
		LabelSelector: "jobmonitor.managed=true",
		KueueEnabled:  kueue,
		LogTailLines:  100,
	})
}

func makeBatchJob(name string, succeeded, failed, active int32) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			Labels:    map[string]string{"jobmonitor.managed": "true"},
		},
		Status: batchv1.JobStatus{
			Succeeded: succeeded,
			Failed:    failed,
			Active:    active,
		},
	}
}

func TestLogDisruption(t *testing.T) {
	logger, hook := test.NewNullLogger()
	m := newTestKubernetesMonitor(fake.NewSimpleClientset(), models.NewMemoryJobStore(), NewLogNotifier(logger), false)

	m.LogDisruption([]corev1.PodCondition{
		{Type: corev1.PodReady, Status: corev1.ConditionFalse},
		{
			Type:    podDisruptionTarget,
			Status:  corev1.ConditionTrue,
			Reason:  "EvictionByEvictionAPI",
			Message: "Eviction API: evicting",
		},
	}, "reana-run-job-1234")

	entries := hook.AllEntries()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one warning, got %d", len(entries))
	}
	if entries[0].Level != logrus.WarnLevel {
		t.Errorf("expected a warning, got %s", entries[0].Level)
	}
	expected := "EvictionByEvictionAPI: Job reana-run-job-1234 was disrupted: Eviction API: evicting"
	if entries[0].Message != expected {
		t.Errorf("wrong message.\nexpected: %s\ngot:      %s", expected, entries[0].Message)
	}
	if entries[0].Data["backend_job_id"] != "reana-run-job-1234" {
		t.Errorf("warning should be attributed to the job, got %v", entries[0].Data)
	}
}

func TestLogDisruption_NoWarning(t *testing.T) {
	logger, hook := test.NewNullLogger()
	m := newTestKubernetesMonitor(fake.NewSimpleClientset(), models.NewMemoryJobStore(), NewLogNotifier(logger), false)

	m.LogDisruption([]corev1.PodCondition{}, "job-1")
	if len(hook.AllEntries()) != 0 {
		t.Errorf("empty conditions should give no warning, got %d", len(hook.AllEntries()))
	}

	m.LogDisruption([]corev1.PodCondition{
		{Type: corev1.PodScheduled, Status: corev1.ConditionTrue, Reason: "EvictionByEvictionAPI"},
		{Type: corev1.PodReady, Status: corev1.ConditionTrue},
	}, "job-1")
	if len(hook.AllEntries()) != 0 {
		t.Errorf("conditions without a disruption target should give no warning, got %d", len(hook.AllEntries()))
	}

	m.LogDisruption([]corev1.PodCondition{
		{Type: podDisruptionTarget, Status: corev1.ConditionFalse, Reason: "EvictionByEvictionAPI"},
	}, "job-1")
	if len(hook.AllEntries()) != 0 {
		t.Errorf("a false disruption target should give no warning, got %d", len(hook.AllEntries()))
	}
}

func TestShouldProcessJobPod(t *testing.T) {
	store := models.NewMemoryJobStore()
	m := newTestKubernetesMonitor(fake.NewSimpleClientset(), store, &recordingNotifier{}, false)

	putRecord(t, store, models.BACKEND_KUBERNETES, "live-job", false)
	putRecord(t, store, models.BACKEND_KUBERNETES, "deleted-job", true)
	putRecord(t, store, models.BACKEND_SLURM, "slurm-job", false)

	tests := []struct {
		name     string
		jobName  string
		expected bool
	}{
		{"matching backend, not deleted", "live-job", true},
		{"matching backend, deleted", "deleted-job", false},
		{"other backend", "slurm-job", false},
		{"unknown job", "nobody-knows", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, phase := range []corev1.PodPhase{corev1.PodPending, corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed} {
				result := m.ShouldProcessJobPod(makePod(tt.jobName, phase))
				if result != tt.expected {
					t.Errorf("phase %s: expected %t got %t", phase, tt.expected, result)
				}
			}
		})
	}
}

func TestShouldProcessJob(t *testing.T) {
	store := models.NewMemoryJobStore()
	m := newTestKubernetesMonitor(fake.NewSimpleClientset(), store, &recordingNotifier{}, true)

	putRecord(t, store, models.BACKEND_KUBERNETES, "live-job", false)
	putRecord(t, store, models.BACKEND_KUBERNETES, "deleted-job", true)
	putRecord(t, store, models.BACKEND_HTCONDOR, "condor-job", false)

	tests := []struct {
		name      string
		jobName   string
		succeeded int32
		failed    int32
		active    int32
		expected  bool
	}{
		{"succeeded", "live-job", 1, 0, 0, true},
		{"failed", "live-job", 0, 1, 0, true},
		{"succeeded and failed", "live-job", 1, 1, 0, true},
		{"succeeded while retry active", "live-job", 1, 0, 1, false},
		{"failed while retry active", "live-job", 0, 1, 1, false},
		{"only active", "live-job", 0, 0, 1, false},
		{"nothing reported", "live-job", 0, 0, 0, false},
		{"other backend", "condor-job", 1, 0, 0, false},
		{"deleted", "deleted-job", 0, 1, 0, false},
		{"succeeded but deleted", "deleted-job", 1, 0, 0, false},
		{"failed but other backend", "condor-job", 0, 1, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := m.ShouldProcessJob(makeBatchJob(tt.jobName, tt.succeeded, tt.failed, tt.active))
			if result != tt.expected {
				t.Errorf("expected %t got %t", tt.expected, result)
			}
		})
	}
}

func TestBackendJobIdForPod(t *testing.T) {
	pod := makePod("from-label", corev1.PodRunning)
	if BackendJobIdForPod(pod) != "from-label" {
		t.Errorf("expected job-name label to be used, got %s", BackendJobIdForPod(pod))
	}

	pod.Labels = map[string]string{"batch.kubernetes.io/job-name": "from-new-label"}
	if BackendJobIdForPod(pod) != "from-new-label" {
		t.Errorf("expected batch.kubernetes.io/job-name label to be used, got %s", BackendJobIdForPod(pod))
	}

	pod.Labels = nil
	if BackendJobIdForPod(pod) != pod.Name {
		t.Errorf("expected pod name to be used, got %s", BackendJobIdForPod(pod))
	}
}

func TestKubernetesCleanJob(t *testing.T) {
	store := models.NewMemoryJobStore()
	client := fake.NewSimpleClientset(makeBatchJob("to-clean", 0, 0, 1))
	m := newTestKubernetesMonitor(client, store, &recordingNotifier{}, false)

	rec := putRecord(t, store, models.BACKEND_KUBERNETES, "to-clean", false)

	m.CleanJob(context.Background(), "to-clean")
	if !mustGet(t, store, rec).Deleted {
		t.Error("record should be deleted after cleanup")
	}
	_, getErr := client.BatchV1().Jobs(testNamespace).Get(context.Background(), "to-clean", metav1.GetOptions{})
	if !apierrors.IsNotFound(getErr) {
		t.Errorf("the kubernetes job should have been removed, got %v", getErr)
	}

	//cleaning again is harmless
	m.CleanJob(context.Background(), "to-clean")
	if !mustGet(t, store, rec).Deleted {
		t.Error("record should stay deleted after a second cleanup")
	}

	//unknown jobs are a no-op
	m.CleanJob(context.Background(), "never-heard-of-it")
}

func TestKubernetesCleanJob_StopFails(t *testing.T) {
	store := models.NewMemoryJobStore()
	client := fake.NewSimpleClientset()
	client.PrependReactor("delete", "jobs", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errFakeBackend
	})
	m := newTestKubernetesMonitor(client, store, &recordingNotifier{}, false)

	rec := putRecord(t, store, models.BACKEND_KUBERNETES, "stubborn", false)
	m.CleanJob(context.Background(), "stubborn")
	if !mustGet(t, store, rec).Deleted {
		t.Error("record should be deleted even though the backend stop failed")
	}
}

func TestProcessPod_HandledOnce(t *testing.T) {
	store := models.NewMemoryJobStore()
	notifier := &recordingNotifier{}
	client := fake.NewSimpleClientset(makeBatchJob("once", 0, 1, 0))
	m := newTestKubernetesMonitor(client, store, notifier, false)

	rec := putRecord(t, store, models.BACKEND_KUBERNETES, "once", false)
	pod := makePod("once", corev1.PodFailed, terminatedState("Error", 3))
	pod.Namespace = testNamespace

	m.processPod(context.Background(), pod)
	m.processPod(context.Background(), pod)

	updated := mustGet(t, store, rec)
	if updated.Status != models.JOB_FAILED || updated.FailureReason != "Error" {
		t.Errorf("expected failed/Error, got %s/%s", updated.Status, updated.FailureReason)
	}
	if !updated.Deleted {
		t.Error("record should be marked as handled")
	}
	if notifier.changeCount() != 1 {
		t.Errorf("the terminal transition should be announced once, got %d", notifier.changeCount())
	}
}

func TestProcessPod_Promotes(t *testing.T) {
	store := models.NewMemoryJobStore()
	notifier := &recordingNotifier{}
	m := newTestKubernetesMonitor(fake.NewSimpleClientset(), store, notifier, false)

	rec := putRecord(t, store, models.BACKEND_KUBERNETES, "starting", false)
	m.processPod(context.Background(), makePod("starting", corev1.PodRunning, runningState()))
	m.processPod(context.Background(), makePod("starting", corev1.PodRunning, runningState()))

	updated := mustGet(t, store, rec)
	if updated.Status != models.JOB_RUNNING || updated.Deleted {
		t.Errorf("expected a live running record, got %s", updated)
	}
	if notifier.changeCount() != 1 {
		t.Errorf("queued -> running should be announced once, got %d", notifier.changeCount())
	}
}

/**
a pod event coming through the watch ends up as a finished, handled record with its logs, and the
kubernetes job is removed
*/
func TestKubernetesMonitor_WatchPods(t *testing.T) {
	store := models.NewMemoryJobStore()
	notifier := &recordingNotifier{}
	client := fake.NewSimpleClientset(makeBatchJob("watched", 1, 0, 0))
	fakeWatch := watch.NewFake()
	client.PrependWatchReactor("pods", k8stesting.DefaultWatchReactor(fakeWatch, nil))

	m := newTestKubernetesMonitor(client, store, notifier, false)
	rec := putRecord(t, store, models.BACKEND_KUBERNETES, "watched", false)

	if err := m.Prepare(context.Background()); err != nil {
		t.Fatal("Prepare failed unexpectedly: ", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	pod := makePod("watched", corev1.PodSucceeded, terminatedState("Completed", 0))
	pod.Namespace = testNamespace
	fakeWatch.Add(makePod("unrelated", corev1.PodFailed, terminatedState("Error", 1)))
	fakeWatch.Modify(pod)

	waitFor(t, "record to be handled", 5*time.Second, func() bool {
		return mustGet(t, store, rec).Deleted
	})
	cancel()
	<-done

	updated := mustGet(t, store, rec)
	if updated.Status != models.JOB_FINISHED {
		t.Errorf("expected finished, got %s", updated.Status)
	}
	if !strings.Contains(updated.Logs, "fake logs") {
		t.Errorf("expected the pod logs to be captured, got '%s'", updated.Logs)
	}
	if !strings.Contains(updated.Logs, "--- watched-abcde/main ---") {
		t.Errorf("expected a header for the container, got '%s'", updated.Logs)
	}
	_, getErr := client.BatchV1().Jobs(testNamespace).Get(context.Background(), "watched", metav1.GetOptions{})
	if !apierrors.IsNotFound(getErr) {
		t.Errorf("the kubernetes job should have been removed, got %v", getErr)
	}
	if notifier.changeCount() != 1 {
		t.Errorf("expected one status change, got %d", notifier.changeCount())
	}
}

/**
with queue admission control the monitor watches batch Jobs, and waits for the active count to drop
*/
func TestKubernetesMonitor_WatchJobs(t *testing.T) {
	store := models.NewMemoryJobStore()
	notifier := &recordingNotifier{}
	failedPod := makePod("queued-job", corev1.PodFailed, terminatedState("OOMKilled", 137))
	failedPod.Namespace = testNamespace
	failedPod.Status.Conditions = []corev1.PodCondition{
		{Type: podDisruptionTarget, Status: corev1.ConditionTrue, Reason: "PreemptionByScheduler", Message: "preempted"},
	}
	client := fake.NewSimpleClientset(makeBatchJob("queued-job", 0, 1, 0), failedPod)
	fakeWatch := watch.NewFake()
	client.PrependWatchReactor("jobs", k8stesting.DefaultWatchReactor(fakeWatch, nil))

	m := newTestKubernetesMonitor(client, store, notifier, true)
	rec := putRecord(t, store, models.BACKEND_KUBERNETES, "queued-job", false)

	if err := m.Prepare(context.Background()); err != nil {
		t.Fatal("Prepare failed unexpectedly: ", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	//retry still in flight, nothing should happen
	fakeWatch.Modify(makeBatchJob("queued-job", 0, 1, 1))
	fakeWatch.Modify(makeBatchJob("queued-job", 0, 1, 0))

	waitFor(t, "record to be handled", 5*time.Second, func() bool {
		return mustGet(t, store, rec).Deleted
	})
	cancel()
	<-done

	updated := mustGet(t, store, rec)
	if updated.Status != models.JOB_FAILED {
		t.Errorf("expected failed, got %s", updated.Status)
	}
	if updated.FailureReason != "OOMKilled" {
		t.Errorf("expected the pod's reason to be used, got '%s'", updated.FailureReason)
	}

	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	if len(notifier.warnings) != 1 {
		t.Fatalf("expected one disruption warning, got %d", len(notifier.warnings))
	}
	if notifier.warnings[0].message != "PreemptionByScheduler: Job queued-job was disrupted: preempted" {
		t.Errorf("wrong disruption message '%s'", notifier.warnings[0].message)
	}
}

func TestKubernetesMonitor_PrepareFails(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errFakeBackend
	})
	m := newTestKubernetesMonitor(client, models.NewMemoryJobStore(), &recordingNotifier{}, false)

	if err := m.Prepare(context.Background()); err == nil {
		t.Error("Prepare should fail when the namespace can't be listed")
	}
}

/**
the start-up context is cancelled once Prepare returns, so the watch must belong to Run and be opened
exactly once
*/
func TestKubernetesMonitor_WatchOutlivesStartup(t *testing.T) {
	store := models.NewMemoryJobStore()
	client := fake.NewSimpleClientset(makeBatchJob("late", 1, 0, 0))
	fakeWatch := watch.NewFake()
	var watchesOpened int32
	passThrough := k8stesting.DefaultWatchReactor(fakeWatch, nil)
	client.PrependWatchReactor("pods", func(action k8stesting.Action) (bool, watch.Interface, error) {
		atomic.AddInt32(&watchesOpened, 1)
		return passThrough(action)
	})

	m := newTestKubernetesMonitor(client, store, &recordingNotifier{}, false)
	rec := putRecord(t, store, models.BACKEND_KUBERNETES, "late", false)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := m.Prepare(startupCtx); err != nil {
		t.Fatal("Prepare failed unexpectedly: ", err)
	}
	startupCancel()
	if opened := atomic.LoadInt32(&watchesOpened); opened != 0 {
		t.Errorf("Prepare should not open a watch, got %d", opened)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	pod := makePod("late", corev1.PodSucceeded, terminatedState("Completed", 0))
	pod.Namespace = testNamespace
	fakeWatch.Modify(pod)

	waitFor(t, "record to be handled", 5*time.Second, func() bool {
		return mustGet(t, store, rec).Deleted
	})
	cancel()
	<-done

	if opened := atomic.LoadInt32(&watchesOpened); opened != 1 {
		t.Errorf("expected exactly one watch to be opened, got %d", opened)
	}
}

/**
a panic while handling one event is contained and the loop keeps going
*/
func TestKubernetesMonitor_ContainsPanics(t *testing.T) {
	m := newTestKubernetesMonitor(fake.NewSimpleClientset(), models.NewMemoryJobStore(), &recordingNotifier{}, false)
	m.store = nil //any record lookup now panics

	m.handleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: makePod("boom", corev1.PodRunning)})
	m.handleEvent(context.Background(), watch.Event{Type: watch.Error, Object: &metav1.Status{Message: "expired"}})
}
