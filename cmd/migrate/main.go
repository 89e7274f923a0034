package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xtrntr/spot-exchange/internal/app"
	"github.com/xtrntr/spot-exchange/internal/config"
	"github.com/xtrntr/spot-exchange/internal/db"
)

const usage = `usage: migrate [-config-file path] [-steps n] up|down|version`

func main() {
	var (
		configFile string
		steps      int
	)
	flag.StringVar(&configFile, "config-file", "", "Specify config file path")
	flag.IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(configFile, flag.Arg(0), steps); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile, cmd string, steps int) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		return fmt.Errorf("migrations need the postgres driver, got %q", cfg.Storage.Driver)
	}
	log, err := app.Logger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	source, url := cfg.Storage.Migrations, cfg.Storage.DatabaseURL
	switch cmd {
	case "up":
		return db.Migrate(source, url, log)
	case "down":
		if err := db.Rollback(source, url, steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}

	version, dirty, err := db.SchemaVersion(source, url)
	if err != nil {
		return err
	}
	fmt.Printf("version %d dirty %t\n", version, dirty)
	return nil
}
