// cmd/nugettrust/config/defaults.go
package config

import (
	"os"
	"path/filepath"
)

// GetUserConfigPath returns the user-level NuGet.config path
func GetUserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".nuget", "NuGet", "NuGet.Config")
}

// FindConfigFileFrom returns the nearest NuGet.Config walking up from
// startDir, falling back to the user config path.
func FindConfigFileFrom(startDir string) string {
	dir := startDir
	for {
		for _, name := range []string{"NuGet.Config", "NuGet.config", "nuget.config"} {
			configPath := filepath.Join(dir, name)
			if _, err := os.Stat(configPath); err == nil {
				return configPath
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return GetUserConfigPath()
}

// ResolveConfigPath returns explicit when set, otherwise the nearest config
// from the working directory.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	cwd, err := os.Getwd()
	if err != nil {
		return GetUserConfigPath()
	}
	return FindConfigFileFrom(cwd)
}

// RevocationCacheDir is where OCSP responses and CRLs are cached between runs.
func RevocationCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "nugettrust", "revocation")
	}
	return filepath.Join(os.TempDir(), "nugettrust", "revocation")
}

// NewEmptyConfig creates a config with no trusted signers.
func NewEmptyConfig() *NuGetConfig {
	return &NuGetConfig{}
}
