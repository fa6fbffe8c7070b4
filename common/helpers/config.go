package helpers

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DBNum    int    `yaml:"dbNum"`
}

type StoreConfig struct {
	Type string `yaml:"type"` //"redis" or "memory"
}

type KubernetesConfig struct {
	Enabled        bool   `yaml:"enabled"`
	KubeConfigPath string `yaml:"kubeconfig"` //leave empty to use in-cluster configuration
	Namespace      string `yaml:"namespace"`
	LabelSelector  string `yaml:"labelSelector"`
	KueueEnabled   bool   `yaml:"kueueEnabled"`
	LogTailLines   int64  `yaml:"logTailLines"`
}

type SchedulerConfig struct {
	Enabled             bool   `yaml:"enabled"`
	PollIntervalSeconds int    `yaml:"pollIntervalSeconds"`
	CommandPrefix       string `yaml:"commandPrefix"` //optional, e.g. "ssh user@headnode"
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` //"text" or "json"
}

type HttpConfig struct {
	Port int `yaml:"port"`
}

type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	Store      StoreConfig      `yaml:"store"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Slurm      SchedulerConfig  `yaml:"slurm"`
	HTCondor   SchedulerConfig  `yaml:"htcondor"`
	Logging    LoggingConfig    `yaml:"logging"`
	Http       HttpConfig       `yaml:"http"`
}

func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

/**
fill in anything that was left out of the config file
*/
func (c *Config) applyDefaults() {
	if c.Store.Type == "" {
		c.Store.Type = "redis"
	}
	if c.Kubernetes.Namespace == "" {
		c.Kubernetes.Namespace = "default"
	}
	if c.Kubernetes.LabelSelector == "" {
		c.Kubernetes.LabelSelector = "jobmonitor.managed=true"
	}
	if c.Kubernetes.LogTailLines == 0 {
		c.Kubernetes.LogTailLines = 1000
	}
	if c.Slurm.PollIntervalSeconds <= 0 {
		c.Slurm.PollIntervalSeconds = 30
	}
	if c.HTCondor.PollIntervalSeconds <= 0 {
		c.HTCondor.PollIntervalSeconds = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Http.Port == 0 {
		c.Http.Port = 9000
	}
}

func (c *Config) validate() error {
	switch c.Store.Type {
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis.address is required when store.type is redis")
		}
	case "memory":
	default:
		return errors.Errorf("store.type must be redis or memory, not '%s'", c.Store.Type)
	}
	return nil
}

func ParseConfig(configBytes []byte) (*Config, error) {
	var conf Config

	err := yaml.Unmarshal(configBytes, &conf)
	if err != nil {
		return nil, errors.Wrap(err, "could not understand config")
	}
	conf.applyDefaults()
	if validErr := conf.validate(); validErr != nil {
		return nil, validErr
	}
	return &conf, nil
}

func ReadConfig(configFile string) (*Config, error) {
	configBytes, readErr := ioutil.ReadFile(configFile)
	if readErr != nil {
		log.Errorf("Could not read config from '%s': %s", configFile, readErr)
		return nil, readErr
	}

	conf, err := ParseConfig(configBytes)
	if err != nil {
		log.Errorf("Could not understand config from '%s': %s", configFile, err)
		return nil, err
	}
	return conf, nil
}
