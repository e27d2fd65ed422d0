// Package version reports the marathon release embedded at build time.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the release string from the embedded VERSION file.
func Get() string {
	if v := strings.TrimSpace(versionContent); v != "" {
		return v
	}
	return "dev"
}
