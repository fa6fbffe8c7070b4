package helpers

import (
	"os"

	log "github.com/sirupsen/logrus"
)

/**
set up the standard logger from the logging section of the config
*/
func SetupLogging(config LoggingConfig) error {
	level, levelErr := log.ParseLevel(config.Level)
	if levelErr != nil {
		return levelErr
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)

	if config.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
