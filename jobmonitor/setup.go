package main

import (
	"github.com/go-redis/redis/v7"
	"github.com/guardian/jobmonitor/common/helpers"
	"github.com/guardian/jobmonitor/common/models"
	"github.com/guardian/jobmonitor/jobmonitor/monitor"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
)

/**
pick the job store named in the config. The redis client is nil when the memory store is used.
*/
func SetupStore(config *helpers.Config) (models.JobStore, *redis.Client, error) {
	switch config.Store.Type {
	case "memory":
		log.Warn("Using in-memory job store, job records will not survive a restart")
		return models.NewMemoryJobStore(), nil, nil
	default:
		redisClient, redisErr := helpers.SetupRedis(config)
		if redisErr != nil {
			return nil, nil, errors.Wrap(redisErr, "could not connect to redis")
		}
		return models.NewRedisJobStore(redisClient), redisClient, nil
	}
}

/**
status changes always go to the log, and to redis pub/sub as well when redis is available
*/
func SetupNotifier(redisClient *redis.Client) monitor.Notifier {
	logNotifier := monitor.NewLogNotifier(log.StandardLogger())
	if redisClient == nil {
		return logNotifier
	}
	return monitor.MultiNotifier{logNotifier, monitor.NewRedisNotifier(redisClient)}
}

type K8ClientFactory func(kubeConfigPath string) (kubernetes.Interface, error)

func defaultK8ClientFactory(kubeConfigPath string) (kubernetes.Interface, error) {
	client, err := monitor.GetK8Client(kubeConfigPath)
	if err != nil {
		return nil, err
	}
	return client, nil
}

/**
register a constructor for every backend that is enabled in the config. Nothing is started here,
that happens on the first GetOrCreate for the backend.
*/
func RegisterMonitors(registry *monitor.Registry, config *helpers.Config, store models.JobStore, notifier monitor.Notifier, k8Factory K8ClientFactory) []models.ComputeBackend {
	enabled := make([]models.ComputeBackend, 0, len(models.AllBackends))

	if config.Kubernetes.Enabled {
		k8Config := config.Kubernetes
		registry.Register(models.BACKEND_KUBERNETES, func() (monitor.Monitor, error) {
			client, err := k8Factory(k8Config.KubeConfigPath)
			if err != nil {
				return nil, err
			}
			namespace := k8Config.Namespace
			if k8Config.KubeConfigPath == "" {
				namespace = monitor.GetMyNamespace(namespace)
			}
			return monitor.NewKubernetesMonitor(client, store, notifier, monitor.KubernetesMonitorConfig{
				Namespace:     namespace,
				LabelSelector: k8Config.LabelSelector,
				KueueEnabled:  k8Config.KueueEnabled,
				LogTailLines:  k8Config.LogTailLines,
			}), nil
		})
		enabled = append(enabled, models.BACKEND_KUBERNETES)
	}

	if config.Slurm.Enabled {
		slurmConfig := config.Slurm
		registry.Register(models.BACKEND_SLURM, func() (monitor.Monitor, error) {
			client := monitor.NewSlurmClient(monitor.NewExecRunner(slurmConfig.CommandPrefix))
			return monitor.NewSlurmMonitor(client, store, notifier, slurmConfig.PollInterval()), nil
		})
		enabled = append(enabled, models.BACKEND_SLURM)
	}

	if config.HTCondor.Enabled {
		condorConfig := config.HTCondor
		registry.Register(models.BACKEND_HTCONDOR, func() (monitor.Monitor, error) {
			client := monitor.NewHTCondorClient(monitor.NewExecRunner(condorConfig.CommandPrefix))
			return monitor.NewHTCondorMonitor(client, store, notifier, condorConfig.PollInterval()), nil
		})
		enabled = append(enabled, models.BACKEND_HTCONDOR)
	}

	return enabled
}
