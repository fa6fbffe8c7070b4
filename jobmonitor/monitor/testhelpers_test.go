package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guardian/jobmonitor/common/models"
	"github.com/pkg/errors"
)

type fakeCommand struct {
	name string
	args []string
}

/**
CommandRunner that hands back canned output per command name and remembers what it was asked to run
*/
type fakeRunner struct {
	mutex   sync.Mutex
	outputs map[string]string
	errs    map[string]error
	calls   []fakeCommand
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.calls = append(r.calls, fakeCommand{name: name, args: args})
	if err, haveErr := r.errs[name]; haveErr {
		return nil, err
	}
	return []byte(r.outputs[name]), nil
}

/**
every argument list the given command was run with, space-joined
*/
func (r *fakeRunner) callsTo(name string) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	rtn := make([]string, 0)
	for _, c := range r.calls {
		if c.name == name {
			rtn = append(rtn, strings.Join(c.args, " "))
		}
	}
	return rtn
}

type warning struct {
	backendJobId string
	message      string
}

type recordingNotifier struct {
	mutex    sync.Mutex
	warnings []warning
	changes  []models.JobRecord
}

func (n *recordingNotifier) Warn(backendJobId string, message string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.warnings = append(n.warnings, warning{backendJobId, message})
}

func (n *recordingNotifier) StatusChanged(rec models.JobRecord) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.changes = append(n.changes, rec)
}

func (n *recordingNotifier) changeCount() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return len(n.changes)
}

type fakeStopper struct {
	mutex   sync.Mutex
	stopped []string
	err     error
}

func (s *fakeStopper) Stop(ctx context.Context, backendJobId string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stopped = append(s.stopped, backendJobId)
	return s.err
}

var errFakeBackend = errors.New("backend said no")

func putRecord(t *testing.T, store models.JobStore, backend models.ComputeBackend, backendJobId string, deleted bool) *models.JobRecord {
	rec := models.NewJobRecord(backend, backendJobId)
	rec.Deleted = deleted
	if err := store.Put(rec); err != nil {
		t.Fatalf("could not store test record %s: %s", backendJobId, err)
	}
	return rec
}

func mustGet(t *testing.T, store models.JobStore, rec *models.JobRecord) *models.JobRecord {
	got, err := store.Get(rec.JobId)
	if err != nil || got == nil {
		t.Fatalf("could not get record %s back: %v", rec.JobId, err)
	}
	return got
}

/**
poll until the condition holds or the timeout expires
*/
func waitFor(t *testing.T, what string, timeout time.Duration, condition func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
