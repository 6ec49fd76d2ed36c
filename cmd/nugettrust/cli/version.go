// cmd/nugettrust/cli/version.go
package cli

import "github.com/willibrandon/nugettrust/cmd/nugettrust/version"

// GetVersion returns the build version.
func GetVersion() string {
	return version.Version
}

// GetFullVersion returns detailed version information.
func GetFullVersion() string {
	return version.FullInfo()
}
