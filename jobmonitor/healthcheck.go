package main

import (
	"net/http"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/jobmonitor/common/helpers"
	log "github.com/sirupsen/logrus"
)

type HealthcheckHandler struct {
	redisClient redis.Cmdable //nil when running with the memory store
}

func (h HealthcheckHandler) ServeHTTP(w http.ResponseWriter, request *http.Request) {
	if !helpers.AssertHttpMethod(request, w, "GET") {
		return
	}
	if h.redisClient == nil {
		w.WriteHeader(200)
		return
	}

	_, err := h.redisClient.Ping().Result()

	if err == nil {
		w.WriteHeader(200)
	} else {
		log.Errorf("HEALTHCHECK FAILED: %s connecting to Redis", err)
		response := helpers.GenericErrorResponse{
			Status: "error",
			Detail: "could not contact redis db",
		}
		helpers.WriteJsonContent(response, w, 500)
	}
}
