package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/guardian/jobmonitor/common/models"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrUnknownBackend = errors.New("no monitor registered for this compute backend")
var errRegistryShutDown = errors.New("monitor registry has been shut down")

type Constructor func() (Monitor, error)

/**
a live monitor together with its background task
*/
type MonitorHandle struct {
	Monitor   Monitor
	StartedAt time.Time
	done      chan struct{}
}

/**
closed once the background task has returned
*/
func (h *MonitorHandle) Done() <-chan struct{} {
	return h.done
}

/**
process-wide table of monitors, at most one live monitor per compute backend.
Background tasks run on the registry's own context, not on the context of whoever asked for the
monitor first, and stop only when Shutdown is called.
*/
type Registry struct {
	mutex        sync.Mutex
	rootCtx      context.Context
	cancel       context.CancelFunc
	constructors map[models.ComputeBackend]Constructor
	handles      map[models.ComputeBackend]*MonitorHandle
	starting     map[models.ComputeBackend]chan struct{}
}

var defaultRegistry = NewRegistry()

/**
the registry shared by the whole process
*/
func Default() *Registry {
	return defaultRegistry
}

func NewRegistry() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		rootCtx:      ctx,
		cancel:       cancel,
		constructors: make(map[models.ComputeBackend]Constructor),
		handles:      make(map[models.ComputeBackend]*MonitorHandle),
		starting:     make(map[models.ComputeBackend]chan struct{}),
	}
}

func (r *Registry) Register(backend models.ComputeBackend, constructor Constructor) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.constructors[backend] = constructor
}

/**
return the monitor for the given backend, creating and starting it if there is none yet.
ctx only bounds the start-up (Prepare). If start-up fails the error is returned and nothing is cached,
so the next call tries again.
Prepare runs without the registry lock held; callers asking for a backend that is already starting wait
for that start to finish.
*/
func (r *Registry) GetOrCreate(ctx context.Context, backend models.ComputeBackend) (*MonitorHandle, error) {
	for {
		r.mutex.Lock()
		if existing, haveExisting := r.handles[backend]; haveExisting {
			r.mutex.Unlock()
			return existing, nil
		}
		constructor, haveConstructor := r.constructors[backend]
		if !haveConstructor {
			r.mutex.Unlock()
			return nil, ErrUnknownBackend
		}
		if r.rootCtx.Err() != nil {
			r.mutex.Unlock()
			return nil, errRegistryShutDown
		}

		inFlight, isStarting := r.starting[backend]
		if !isStarting {
			started := make(chan struct{})
			r.starting[backend] = started
			r.mutex.Unlock()
			return r.start(ctx, backend, constructor, started)
		}
		r.mutex.Unlock()

		select {
		case <-inFlight:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "gave up waiting for %s monitor to start", backend)
		}
	}
}

func (r *Registry) start(ctx context.Context, backend models.ComputeBackend, constructor Constructor, started chan struct{}) (*MonitorHandle, error) {
	defer close(started)

	m, err := constructor()
	if err != nil {
		err = errors.Wrapf(err, "could not build %s monitor", backend)
	} else if prepErr := m.Prepare(ctx); prepErr != nil {
		err = errors.Wrapf(prepErr, "could not start %s monitor", backend)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.starting, backend)
	if err != nil {
		return nil, err
	}
	if r.rootCtx.Err() != nil {
		return nil, errRegistryShutDown
	}

	handle := &MonitorHandle{
		Monitor:   m,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go func() {
		defer close(handle.done)
		log.Infof("Started %s monitor", backend)
		m.Run(r.rootCtx)
		log.Infof("%s monitor stopped", backend)
	}()

	r.handles[backend] = handle
	return handle, nil
}

/**
the currently live monitors, ordered by backend name
*/
func (r *Registry) Handles() []*MonitorHandle {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rtn := make([]*MonitorHandle, 0, len(r.handles))
	for _, h := range r.handles {
		rtn = append(rtn, h)
	}
	sort.Slice(rtn, func(i, j int) bool {
		return rtn[i].Monitor.Backend() < rtn[j].Monitor.Backend()
	})
	return rtn
}

/**
cancel every background task and wait for them to return
*/
func (r *Registry) Shutdown() {
	r.cancel()
	for _, h := range r.Handles() {
		<-h.Done()
	}
}
