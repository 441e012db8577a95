package session

import (
	"os"

	"github.com/matheus3301/offsync/internal/config"
)

const DefaultSessionName = "main"

// EnvVar overrides the session for one invocation without touching config.
const EnvVar = "OFFSYNC_SESSION"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. $OFFSYNC_SESSION
// 3. config.toml default_session
// 4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvVar); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
