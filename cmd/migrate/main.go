// Command migrate applies or rolls back the embedded schema migrations.
package main

import (
	"os"

	"wamator/internal/config"
	"wamator/internal/logging"
	"wamator/internal/store"
)

func main() {
	log := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := store.Migrate(cfg.DatabaseDriver, cfg.DatabaseURL, direction); err != nil {
		log.Fatal().Err(err).Str("direction", direction).Msg("migrate")
	}
	log.Info().Str("direction", direction).Str("driver", cfg.DatabaseDriver).Msg("migrations applied")
}
