package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/lgulliver/keystone/internal/common"
	"github.com/lgulliver/keystone/internal/metadata"
	"github.com/lgulliver/keystone/pkg/config"
	"github.com/lgulliver/keystone/pkg/utils"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("KEYSTONE_CONFIG"), "Path to a YAML configuration file")
		up         = flag.Bool("up", false, "Create or update the metadata index schema")
		stats      = flag.Bool("stats", false, "Print metadata index statistics")
	)
	flag.Parse()

	if !*up && !*stats {
		fmt.Printf("Usage: %s [-config file] [-up] [-stats]\n", os.Args[0])
		fmt.Println("  -up     Create or update the metadata index schema")
		fmt.Println("  -stats  Print metadata index statistics")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.SetupLogging()

	if cfg.Database.Driver == "" || cfg.Database.Driver == "none" {
		log.Fatal().Msg("No metadata database configured, set DB_DRIVER")
	}

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if *up {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		log.Info().Str("driver", cfg.Database.Driver).Msg("Migrations completed successfully")
	}

	if *stats {
		s, err := metadata.NewIndex(db.DB).Stats(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read index statistics")
		}
		out, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to encode statistics")
		}
		fmt.Println(string(out))
		fmt.Printf("Stored blob bytes: %s\n", utils.FormatBytes(s.TotalSize))
	}
}
