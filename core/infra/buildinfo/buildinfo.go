package buildinfo

import (
	"fmt"

	"github.com/offerforge/offerforge/core/infra/logging"
)

// Stamped at link time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary for a service at startup.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "built", Date)
}
