package helpers

import (
	"github.com/go-redis/redis/v7"
	log "github.com/sirupsen/logrus"
)

func SetupRedis(config *Config) (*redis.Client, error) {
	log.Infof("Connecting to Redis on %s", config.Redis.Address)
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Address,
		Password: config.Redis.Password,
		DB:       config.Redis.DBNum,
	})

	_, err := client.Ping().Result()
	if err != nil {
		log.Errorf("Could not contact Redis: %s", err)
		return nil, err
	}
	log.Info("Done.")
	return client, nil
}
