package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reefline/coralctl/internal/logging"
)

// InitLogger applies the runtime logging profile, including the CORALCTL_LOG_*
// environment overrides, and scopes the global logger to one binary.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
