// Package logging applies the log level shared by every serving-layer
// process. Deployed processes receive their level through the
// platform-injected LOG_LEVEL variable rather than flags.
package logging

import (
	log "github.com/sirupsen/logrus"
)

// SetLogLevel parses and applies a logrus level. An unknown level is fatal
// since it indicates a broken deployment configuration.
func SetLogLevel(logLevel string) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("invalid log-level: %s", logLevel)
	}
	log.SetLevel(level)
}
