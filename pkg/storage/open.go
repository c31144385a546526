package storage

import (
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/log"
)

// Open selects the durable backend from configuration: Postgres when
// DATABASE_URL is set, the embedded Bolt file otherwise.
func Open(cfg *config.Config) (Store, error) {
	logger := log.WithComponent("storage")
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("Using PostgreSQL backend")
		return NewPostgresStore(cfg.DatabaseURL)
	}
	logger.Info().Str("data_dir", cfg.DataDir).Msg("Using BoltDB backend")
	return NewBoltStore(cfg.DataDir)
}
