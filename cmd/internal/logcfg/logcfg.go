package logcfg

import (
	"os"

	logs "github.com/danmuck/smplog"
)

const envConfigPath = "DPS_LOBBY_LOG_CONFIG"

// Load resolves the logging configuration for a participant binary. An
// explicit path wins, then the environment, then the files next to the
// participant config. The returned source is "" when defaults are used.
func Load(explicit string) (logs.Config, string) {
	var candidates []string
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	if path := os.Getenv(envConfigPath); path != "" {
		candidates = append(candidates, path)
	}
	candidates = append(candidates,
		"./smplog.config.toml",
		"./config/smplog.config.toml",
	)

	for _, path := range candidates {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg, path
		}
	}
	return logs.DefaultConfig(), ""
}
