package main

import (
	"context"
	"fmt"
	"time"

	"github.com/guardian/jobmonitor/common/helpers"
	"github.com/guardian/jobmonitor/common/models"
	"github.com/guardian/jobmonitor/jobmonitor/monitor"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	v1 "k8s.io/client-go/kubernetes/typed/batch/v1"
)

var (
	maxAgeHours    int64
	dryRun         bool
	configPath     string
	kubeConfigPath string
)

var rootCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Removes kubernetes Jobs left behind by job records that were handled a while ago",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReaper()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().Int64Var(&maxAgeHours, "maxage", 36, "delete jobs that finished longer than this many hours ago")
	rootCmd.Flags().BoolVar(&dryRun, "dryrun", true, "don't actually delete anything")
	rootCmd.Flags().StringVar(&configPath, "config", "config/serverconfig.yaml", "path to the server configuration file")
	rootCmd.Flags().StringVar(&kubeConfigPath, "kubeconfig", "", ".kubeconfig file for running out of cluster. If not specified then in-cluster initialisation will be tried")
}

/**
delete the kubernetes Job with the given name, unless it is still active.
Returns true if a Job was deleted (or would have been, on a dry run).
*/
func DeleteK8Job(ctx context.Context, name string, jobClient v1.JobInterface, dryRun bool) (bool, error) {
	k8job, getErr := jobClient.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(getErr) {
		return false, nil
	}
	if getErr != nil {
		return false, getErr
	}

	if k8job.Status.Active > 0 {
		log.Infof("%s seems to still be active, not removing it.", k8job.Name)
		return false, nil
	}

	var dryRunValue []string
	if dryRun {
		dryRunValue = []string{metav1.DryRunAll}
	}
	policy := metav1.DeletePropagationBackground
	deleteErr := jobClient.Delete(ctx, k8job.Name, metav1.DeleteOptions{
		DryRun:            dryRunValue,
		PropagationPolicy: &policy,
	})
	if deleteErr != nil && !apierrors.IsNotFound(deleteErr) {
		return false, deleteErr
	}
	return true, nil
}

/**
only records that the monitor has already handled and that finished before the cutoff are considered
*/
func ProcessRecord(ctx context.Context, rec *models.JobRecord, cutoffTime time.Time, dryRun bool, jobClient v1.JobInterface) (bool, error) {
	if !rec.Deleted || rec.FinishedAt == nil || !rec.FinishedAt.Before(cutoffTime) {
		return false, nil
	}
	log.Debugf("Checking for leftovers of %s", rec)
	return DeleteK8Job(ctx, rec.BackendJobId, jobClient, dryRun)
}

func Reap(ctx context.Context, store models.JobStore, jobClient v1.JobInterface, cutoffTime time.Time, dryRun bool) (int, error) {
	records, listErr := store.List(models.BACKEND_KUBERNETES, true)
	if listErr != nil {
		return 0, listErr
	}

	removed := 0
	for i := range records {
		didRemove, procErr := ProcessRecord(ctx, &records[i], cutoffTime, dryRun, jobClient)
		if procErr != nil {
			//not a fatal error
			log.Errorf("Could not remove k8 job %s for job %s: %s", records[i].BackendJobId, records[i].JobId, procErr)
			continue
		}
		if didRemove {
			log.Infof("Removed leftover k8 job %s", records[i].BackendJobId)
			removed++
		}
	}
	return removed, nil
}

func runReaper() error {
	log.Infof("Reading config from %s", configPath)
	config, configReadErr := helpers.ReadConfig(configPath)
	if configReadErr != nil {
		return fmt.Errorf("no configuration, can't continue: %s", configReadErr)
	}
	if logErr := helpers.SetupLogging(config.Logging); logErr != nil {
		return logErr
	}
	if config.Store.Type != "redis" {
		return fmt.Errorf("the reaper needs the redis store, there is nothing to reap from a %s store", config.Store.Type)
	}
	if kubeConfigPath == "" {
		kubeConfigPath = config.Kubernetes.KubeConfigPath
	}

	log.Infof("Dryrun is %t", dryRun)
	redisClient, redisErr := helpers.SetupRedis(config)
	if redisErr != nil {
		return fmt.Errorf("could not connect to redis: %s", redisErr)
	}
	store := models.NewRedisJobStore(redisClient)

	k8Client, cliErr := monitor.GetK8Client(kubeConfigPath)
	if cliErr != nil {
		return fmt.Errorf("can't establish communication with Kubernetes: %s", cliErr)
	}
	namespace := config.Kubernetes.Namespace
	if kubeConfigPath == "" {
		namespace = monitor.GetMyNamespace(namespace)
	}
	jobClient := k8Client.BatchV1().Jobs(namespace)

	startTime := time.Now()
	log.Infof("Reaping of old jobs starting at %s", startTime)
	cutoffTime := startTime.Add(-time.Duration(maxAgeHours) * time.Hour)
	log.Infof("Cutoff time is %s", cutoffTime)

	removed, reapErr := Reap(context.Background(), store, jobClient, cutoffTime, dryRun)
	if reapErr != nil {
		return reapErr
	}

	endTime := time.Now()
	log.Infof("Reaping run removed %d jobs, completed at %s and took %d seconds", removed, endTime, endTime.Unix()-startTime.Unix())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
