package cli

import (
	"os"

	"github.com/pmd/pmd/internal/config"
)

func defaultConfigPath() string {
	if v := os.Getenv("PMD_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{"pmd.yml", "pmd.yaml", "/etc/pmd/pmd.yaml", "/etc/pmd/pmd.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadLocalConfig loads path, or the first default location that exists.
// With no file at all the built-in defaults apply.
func loadLocalConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
