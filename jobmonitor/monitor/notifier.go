package monitor

import (
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/jobmonitor/common/models"
	log "github.com/sirupsen/logrus"
)

const (
	STATUS_CHANNEL  = "jobmonitor:statuschanges"
	WARNING_CHANNEL = "jobmonitor:warnings"
)

/**
receives disruption warnings and status changes from the monitors. Delivery is fire-and-forget,
implementations must not block the monitor for long and must not panic on delivery failure.
*/
type Notifier interface {
	Warn(backendJobId string, message string)
	StatusChanged(rec models.JobRecord)
}

type LogNotifier struct {
	logger log.FieldLogger
}

func NewLogNotifier(logger log.FieldLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Warn(backendJobId string, message string) {
	n.logger.WithField("backend_job_id", backendJobId).Warn(message)
}

func (n *LogNotifier) StatusChanged(rec models.JobRecord) {
	entry := n.logger.WithFields(log.Fields{
		"job_id":          rec.JobId.String(),
		"backend_job_id":  rec.BackendJobId,
		"compute_backend": rec.ComputeBackend,
		"status":          rec.Status,
	})
	if rec.FailureReason != "" && rec.Status == models.JOB_FAILED {
		entry.Infof("Job %s is now %s: %s", rec.JobId, rec.Status, rec.FailureReason)
	} else {
		entry.Infof("Job %s is now %s", rec.JobId, rec.Status)
	}
}

type StatusChangeMessage struct {
	JobId          string                `json:"job_id"`
	BackendJobId   string                `json:"backend_job_id"`
	ComputeBackend models.ComputeBackend `json:"compute_backend"`
	Status         models.JobStatus      `json:"status"`
	FailureReason  string                `json:"failure_reason,omitempty"`
	Timestamp      time.Time             `json:"timestamp"`
}

type WarningMessage struct {
	BackendJobId string    `json:"backend_job_id"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

/**
publishes status changes and warnings as JSON on redis pub/sub channels, for whatever
else in the platform wants to follow job progress
*/
type RedisNotifier struct {
	client redis.Cmdable
}

func NewRedisNotifier(client redis.Cmdable) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) publish(channel string, content interface{}) {
	encoded, marshalErr := json.Marshal(content)
	if marshalErr != nil {
		log.Errorf("Could not encode message for %s: %s", channel, marshalErr)
		return
	}
	if pubErr := n.client.Publish(channel, string(encoded)).Err(); pubErr != nil {
		log.Errorf("Could not publish to %s: %s", channel, pubErr)
	}
}

func (n *RedisNotifier) Warn(backendJobId string, message string) {
	n.publish(WARNING_CHANNEL, WarningMessage{
		BackendJobId: backendJobId,
		Message:      message,
		Timestamp:    time.Now(),
	})
}

func (n *RedisNotifier) StatusChanged(rec models.JobRecord) {
	n.publish(STATUS_CHANNEL, StatusChangeMessage{
		JobId:          rec.JobId.String(),
		BackendJobId:   rec.BackendJobId,
		ComputeBackend: rec.ComputeBackend,
		Status:         rec.Status,
		FailureReason:  rec.FailureReason,
		Timestamp:      time.Now(),
	})
}

type MultiNotifier []Notifier

func (n MultiNotifier) Warn(backendJobId string, message string) {
	for _, target := range n {
		target.Warn(backendJobId, message)
	}
}

func (n MultiNotifier) StatusChanged(rec models.JobRecord) {
	for _, target := range n {
		target.StatusChanged(rec)
	}
}
