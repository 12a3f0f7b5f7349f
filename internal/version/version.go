package version

import (
	"fmt"
	"runtime"
)

// Set via ldflags at build time:
//
//	go build -ldflags "-X github.com/soyeahso/unisync/internal/version.Version=1.0.0
//	  -X github.com/soyeahso/unisync/internal/version.Commit=abc123
//	  -X github.com/soyeahso/unisync/internal/version.Date=2026-01-01"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a formatted version string.
func Info() string {
	return fmt.Sprintf("unisync %s (commit: %s, built: %s, %s/%s)",
		Version, short(Commit), Date, runtime.GOOS, runtime.GOARCH)
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}

// UserAgent identifies unisync to the external service.
func UserAgent() string {
	return fmt.Sprintf("unisync/%s (%s)", Version, short(Commit))
}
