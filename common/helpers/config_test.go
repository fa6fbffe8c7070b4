package helpers

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseConfig_Defaults(t *testing.T) {
	conf, err := ParseConfig([]byte(`
redis:
  address: localhost:6379
kubernetes:
  enabled: true
slurm:
  enabled: true
  pollIntervalSeconds: 10
`))
	if err != nil {
		t.Fatal("ParseConfig failed unexpectedly: ", err)
	}

	expected := &Config{
		Redis: RedisConfig{Address: "localhost:6379"},
		Store: StoreConfig{Type: "redis"},
		Kubernetes: KubernetesConfig{
			Enabled:       true,
			Namespace:     "default",
			LabelSelector: "jobmonitor.managed=true",
			LogTailLines:  1000,
		},
		Slurm:    SchedulerConfig{Enabled: true, PollIntervalSeconds: 10},
		HTCondor: SchedulerConfig{PollIntervalSeconds: 30},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Http:     HttpConfig{Port: 9000},
	}
	if diff := cmp.Diff(expected, conf); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	if conf.Slurm.PollInterval() != 10*time.Second {
		t.Errorf("expected 10s poll interval, got %s", conf.Slurm.PollInterval())
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	_, err := ParseConfig([]byte(`store: {type: redis}`))
	if err == nil {
		t.Error("redis store without an address should not validate")
	}

	_, err = ParseConfig([]byte(`store: {type: postgres}`))
	if err == nil {
		t.Error("unknown store type should not validate")
	}

	_, err = ParseConfig([]byte(`redis: [this is not right`))
	if err == nil {
		t.Error("broken yaml should not parse")
	}

	conf, err := ParseConfig([]byte(`store: {type: memory}`))
	if err != nil {
		t.Error("memory store needs no redis, got ", err)
	} else if conf.Store.Type != "memory" {
		t.Errorf("expected memory store, got %s", conf.Store.Type)
	}
}

func TestReadConfig(t *testing.T) {
	dir, dirErr := ioutil.TempDir("", "jobmonitor-config")
	if dirErr != nil {
		t.Fatal(dirErr)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "serverconfig.yaml")
	writeErr := ioutil.WriteFile(path, []byte("store:\n  type: memory\nhttp:\n  port: 9123\n"), 0644)
	if writeErr != nil {
		t.Fatal(writeErr)
	}

	conf, err := ReadConfig(path)
	if err != nil {
		t.Fatal("ReadConfig failed unexpectedly: ", err)
	}
	if conf.Http.Port != 9123 {
		t.Errorf("expected port 9123, got %d", conf.Http.Port)
	}

	_, err = ReadConfig(filepath.Join(dir, "missing.yaml"))
	if err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestSetupLogging(t *testing.T) {
	if err := SetupLogging(LoggingConfig{Level: "debug", Format: "json"}); err != nil {
		t.Error("valid logging config failed: ", err)
	}
	if err := SetupLogging(LoggingConfig{Level: "chatty", Format: "text"}); err == nil {
		t.Error("invalid level should be refused")
	}
	_ = SetupLogging(LoggingConfig{Level: "info", Format: "text"})
}
