package main

import (
	"net/http"
	"time"

	"github.com/guardian/jobmonitor/common/helpers"
	"github.com/guardian/jobmonitor/common/models"
	"github.com/guardian/jobmonitor/jobmonitor/monitor"
)

type MonitorEntry struct {
	Backend   models.ComputeBackend `json:"backend"`
	StartedAt time.Time             `json:"started_at"`
	Running   bool                  `json:"running"`
}

type MonitorListResponse struct {
	Status  string         `json:"status"`
	Entries []MonitorEntry `json:"entries"`
}

type MonitorsHandler struct {
	registry *monitor.Registry
}

func (h MonitorsHandler) ServeHTTP(w http.ResponseWriter, request *http.Request) {
	if !helpers.AssertHttpMethod(request, w, "GET") {
		return
	}

	handles := h.registry.Handles()
	entries := make([]MonitorEntry, len(handles))
	for i, handle := range handles {
		running := true
		select {
		case <-handle.Done():
			running = false
		default:
		}
		entries[i] = MonitorEntry{
			Backend:   handle.Monitor.Backend(),
			StartedAt: handle.StartedAt,
			Running:   running,
		}
	}

	helpers.WriteJsonContent(MonitorListResponse{Status: "ok", Entries: entries}, w, 200)
}
