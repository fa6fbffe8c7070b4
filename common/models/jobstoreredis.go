package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	REDIDX_BACKEND = "jobmonitor:jobrecord:backendindex" //hash per backend, field is the backend job id and value the job id
	REDIDX_ACTIVE  = "jobmonitor:jobrecord:active"       //set per backend of job ids that are not deleted
	maxTxRetries   = 10
)

type RedisJobStore struct {
	client *redis.Client
}

func NewRedisJobStore(client *redis.Client) *RedisJobStore {
	return &RedisJobStore{client: client}
}

func recordKey(jobId uuid.UUID) string {
	return fmt.Sprintf("jobmonitor:JobRecord:%s", jobId)
}

func backendIndexKey(backend ComputeBackend) string {
	return fmt.Sprintf("%s:%s", REDIDX_BACKEND, backend)
}

func activeIndexKey(backend ComputeBackend) string {
	return fmt.Sprintf("%s:%s", REDIDX_ACTIVE, backend)
}

type stringGetter interface {
	Get(key string) *redis.StringCmd
}

func readRecord(client stringGetter, dbKey string) (*JobRecord, error) {
	content, getErr := client.Get(dbKey).Result()
	if getErr == redis.Nil {
		return nil, nil
	}
	if getErr != nil {
		return nil, errors.Wrapf(getErr, "could not retrieve %s", dbKey)
	}

	var rec JobRecord
	if marshalErr := json.Unmarshal([]byte(content), &rec); marshalErr != nil {
		log.Errorf("Could not unmarshal data from store: %s. Offending data was: %s", marshalErr, content)
		return nil, marshalErr
	}
	return &rec, nil
}

func writeRecord(pipe redis.Pipeliner, rec *JobRecord) error {
	content, marshalErr := json.Marshal(rec)
	if marshalErr != nil {
		return errors.Wrapf(marshalErr, "could not marshal job record %s", rec.JobId)
	}
	pipe.Set(recordKey(rec.JobId), string(content), 0)
	if rec.Deleted {
		pipe.SRem(activeIndexKey(rec.ComputeBackend), rec.JobId.String())
	} else {
		pipe.SAdd(activeIndexKey(rec.ComputeBackend), rec.JobId.String())
	}
	return nil
}

/**
run the given transaction body under WATCH on the given keys, retrying if another client
modified one of them before EXEC
*/
func (s *RedisJobStore) withRetry(fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(fn, keys...)
		if err == redis.TxFailedErr {
			log.Debugf("Transaction on %s was interrupted, retrying (attempt %d)", keys, attempt+1)
			continue
		}
		return err
	}
	return errors.Errorf("gave up on transaction for %s after %d attempts", keys, maxTxRetries)
}

func (s *RedisJobStore) Get(jobId uuid.UUID) (*JobRecord, error) {
	return readRecord(s.client, recordKey(jobId))
}

func (s *RedisJobStore) FindByBackendJobId(backend ComputeBackend, backendJobId string) (*JobRecord, error) {
	idString, getErr := s.client.HGet(backendIndexKey(backend), backendJobId).Result()
	if getErr == redis.Nil {
		return nil, nil
	}
	if getErr != nil {
		return nil, errors.Wrapf(getErr, "could not look up %s job %s", backend, backendJobId)
	}

	jobId, parseErr := uuid.Parse(idString)
	if parseErr != nil {
		log.Errorf("Bad data in %s: %s is not a valid job id", backendIndexKey(backend), idString)
		return nil, parseErr
	}
	return s.Get(jobId)
}

func (s *RedisJobStore) Put(rec *JobRecord) error {
	if rec == nil {
		return ErrRecordNotFound
	}
	dbKey := recordKey(rec.JobId)
	idxKey := backendIndexKey(rec.ComputeBackend)

	return s.withRetry(func(tx *redis.Tx) error {
		exists, existsErr := tx.Exists(dbKey).Result()
		if existsErr != nil {
			return existsErr
		}
		if exists > 0 {
			return ErrRecordExists
		}
		taken, takenErr := tx.HExists(idxKey, rec.BackendJobId).Result()
		if takenErr != nil {
			return takenErr
		}
		if taken {
			return ErrRecordExists
		}

		_, err := tx.TxPipelined(func(pipe redis.Pipeliner) error {
			if writeErr := writeRecord(pipe, rec); writeErr != nil {
				return writeErr
			}
			pipe.HSet(idxKey, rec.BackendJobId, rec.JobId.String())
			return nil
		})
		return err
	}, dbKey, idxKey)
}

func (s *RedisJobStore) Update(jobId uuid.UUID, fn func(rec *JobRecord) error) error {
	dbKey := recordKey(jobId)

	return s.withRetry(func(tx *redis.Tx) error {
		rec, getErr := readRecord(tx, dbKey)
		if getErr != nil {
			return getErr
		}
		if rec == nil {
			return ErrRecordNotFound
		}

		working := *rec
		if err := fn(&working); err != nil {
			return err
		}
		working.JobId = rec.JobId
		working.ComputeBackend = rec.ComputeBackend
		working.BackendJobId = rec.BackendJobId

		_, err := tx.TxPipelined(func(pipe redis.Pipeliner) error {
			return writeRecord(pipe, &working)
		})
		return err
	}, dbKey)
}

func (s *RedisJobStore) MarkDeleted(jobId uuid.UUID) error {
	return s.Update(jobId, func(rec *JobRecord) error {
		nowTime := time.Now()
		rec.Deleted = true
		rec.UpdatedAt = &nowTime
		return nil
	})
}

func (s *RedisJobStore) List(backend ComputeBackend, includeDeleted bool) ([]JobRecord, error) {
	var ids []string
	var idErr error
	if includeDeleted {
		ids, idErr = s.client.HVals(backendIndexKey(backend)).Result()
	} else {
		ids, idErr = s.client.SMembers(activeIndexKey(backend)).Result()
	}
	if idErr != nil {
		return nil, errors.Wrapf(idErr, "could not list %s job records", backend)
	}

	rtn := make([]JobRecord, 0, len(ids))
	if len(ids) == 0 {
		return rtn, nil
	}

	pipe := s.client.Pipeline()
	defer pipe.Close()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, idString := range ids {
		jobId, parseErr := uuid.Parse(idString)
		if parseErr != nil {
			log.Errorf("Bad data in %s index: %s is not a valid job id", backend, idString)
			continue
		}
		cmds[i] = pipe.Get(recordKey(jobId))
	}
	_, _ = pipe.Exec()

	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		content, getErr := cmd.Result()
		if getErr != nil {
			//a record key removed by hand leaves a dangling index entry behind
			log.Warnf("Could not get job record %s from index: %s", ids[i], getErr)
			continue
		}
		var rec JobRecord
		if marshalErr := json.Unmarshal([]byte(content), &rec); marshalErr != nil {
			log.Errorf("Could not unmarshal job record %s: %s", ids[i], marshalErr)
			continue
		}
		if rec.Deleted && !includeDeleted {
			continue
		}
		rtn = append(rtn, rec)
	}
	sort.Slice(rtn, func(i, j int) bool {
		return rtn[i].BackendJobId < rtn[j].BackendJobId
	})
	return rtn, nil
}
