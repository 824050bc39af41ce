// Package ops provides process-level observability plumbing: logrus
// configuration and an in-memory ring of recent log entries which the
// management API queries and streams.
package ops

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/mstream-dev/mstream/go/config"
)

// DefaultBufferSize is the ring capacity when [system.logs] does not set one.
const DefaultBufferSize = 1024

// InitLogging configures the global logrus logger from [system.logs] and
// installs a Ring hook that retains recent entries. It returns the ring so
// the API can serve /logs and /logs/stream from it.
func InitLogging(cfg config.LogsConfig) (*Ring, error) {
	if cfg.Level != "" {
		var lvl, err = log.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("unrecognized log level %q: %w", cfg.Level, err)
		}
		log.SetLevel(lvl)
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	var size = cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	var ring = NewRing(size)
	log.AddHook(ring)
	return ring, nil
}
