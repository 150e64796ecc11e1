package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags the process-wide logger with app and node and returns it.
// logging.Configure must run first so level and format are already set.
func InitLogger(app, node string) zerolog.Logger {
	logger := log.Logger.With().Str("app", app).Str("node", node).Logger()
	log.Logger = logger
	return logger
}
