package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guardian/jobmonitor/common/helpers"
	"github.com/guardian/jobmonitor/jobmonitor/monitor"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath     string
	kubeConfigPath string
)

var rootCmd = &cobra.Command{
	Use:   "jobmonitor",
	Short: "Watches compute jobs on kubernetes, slurm and htcondor and keeps their records up to date",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "config/serverconfig.yaml", "path to the server configuration file")
	rootCmd.Flags().StringVar(&kubeConfigPath, "kubeconfig", "", ".kubeconfig file for running out of cluster. Overrides the config file; if neither is set then in-cluster initialisation is used")
}

func runMonitor() error {
	log.Infof("Reading config from %s", configPath)
	config, configReadErr := helpers.ReadConfig(configPath)
	if configReadErr != nil {
		return fmt.Errorf("no configuration, can't continue: %s", configReadErr)
	}
	if logErr := helpers.SetupLogging(config.Logging); logErr != nil {
		return logErr
	}
	if kubeConfigPath != "" {
		config.Kubernetes.KubeConfigPath = kubeConfigPath
	}

	store, redisClient, storeErr := SetupStore(config)
	if storeErr != nil {
		return storeErr
	}
	notifier := SetupNotifier(redisClient)

	registry := monitor.Default()
	enabled := RegisterMonitors(registry, config, store, notifier, defaultK8ClientFactory)
	if len(enabled) == 0 {
		log.Warn("No compute backends are enabled, there is nothing to monitor")
	}

	for _, backend := range enabled {
		startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, startErr := registry.GetOrCreate(startCtx, backend)
		cancel()
		if startErr != nil {
			//not fatal, the other backends can still be monitored
			log.Errorf("Could not start %s monitor: %s", backend, startErr)
		}
	}

	var healthcheck HealthcheckHandler
	if redisClient != nil {
		healthcheck.redisClient = redisClient
	}
	http.Handle("/default", http.NotFoundHandler())
	http.Handle("/healthcheck", healthcheck)
	http.Handle("/api/monitors", MonitorsHandler{registry: registry})

	server := &http.Server{Addr: fmt.Sprintf(":%d", config.Http.Port)}
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		log.Infof("Got %s, shutting down", sig)
		registry.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Errorf("Could not shut down http server cleanly: %s", shutdownErr)
		}
	}()

	log.Infof("Starting server on port %d", config.Http.Port)
	if startServerErr := server.ListenAndServe(); startServerErr != nil && startServerErr != http.ErrServerClosed {
		return startServerErr
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
