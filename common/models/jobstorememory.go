package models

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
)

type backendKey struct {
	backend      ComputeBackend
	backendJobId string
}

/**
JobStore held in process memory. Records handed out are copies, so nothing outside the store can
mutate a record without going through Update.
*/
type MemoryJobStore struct {
	mutex     sync.RWMutex
	records   map[uuid.UUID]*JobRecord
	byBackend map[backendKey]uuid.UUID
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		records:   make(map[uuid.UUID]*JobRecord),
		byBackend: make(map[backendKey]uuid.UUID),
	}
}

func copyRecord(from *JobRecord) (*JobRecord, error) {
	var rtn JobRecord
	if err := copier.Copy(&rtn, from); err != nil {
		return nil, err
	}
	return &rtn, nil
}

func (s *MemoryJobStore) Get(jobId uuid.UUID) (*JobRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec, found := s.records[jobId]
	if !found {
		return nil, nil
	}
	return copyRecord(rec)
}

func (s *MemoryJobStore) FindByBackendJobId(backend ComputeBackend, backendJobId string) (*JobRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	jobId, found := s.byBackend[backendKey{backend, backendJobId}]
	if !found {
		return nil, nil
	}
	return copyRecord(s.records[jobId])
}

func (s *MemoryJobStore) Put(rec *JobRecord) error {
	if rec == nil {
		return ErrRecordNotFound
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.records[rec.JobId]; exists {
		return ErrRecordExists
	}
	key := backendKey{rec.ComputeBackend, rec.BackendJobId}
	if _, exists := s.byBackend[key]; exists {
		return ErrRecordExists
	}

	stored, copyErr := copyRecord(rec)
	if copyErr != nil {
		return copyErr
	}
	s.records[rec.JobId] = stored
	s.byBackend[key] = rec.JobId
	return nil
}

func (s *MemoryJobStore) MarkDeleted(jobId uuid.UUID) error {
	return s.Update(jobId, func(rec *JobRecord) error {
		nowTime := time.Now()
		rec.Deleted = true
		rec.UpdatedAt = &nowTime
		return nil
	})
}

func (s *MemoryJobStore) Update(jobId uuid.UUID, fn func(rec *JobRecord) error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, found := s.records[jobId]
	if !found {
		return ErrRecordNotFound
	}

	working, copyErr := copyRecord(existing)
	if copyErr != nil {
		return copyErr
	}
	if err := fn(working); err != nil {
		return err
	}

	//job id, backend and backend job id are fixed once the record is created
	working.JobId = existing.JobId
	working.ComputeBackend = existing.ComputeBackend
	working.BackendJobId = existing.BackendJobId
	s.records[jobId] = working
	return nil
}

func (s *MemoryJobStore) List(backend ComputeBackend, includeDeleted bool) ([]JobRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rtn := make([]JobRecord, 0)
	for _, rec := range s.records {
		if rec.ComputeBackend != backend {
			continue
		}
		if rec.Deleted && !includeDeleted {
			continue
		}
		rtn = append(rtn, *rec)
	}
	sort.Slice(rtn, func(i, j int) bool {
		return rtn[i].BackendJobId < rtn[j].BackendJobId
	})
	return rtn, nil
}
