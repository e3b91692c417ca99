package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/luminagen/lumina/config"
	"github.com/luminagen/lumina/internal/store"
	"github.com/luminagen/lumina/ledger"
	"go.uber.org/zap"
)

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: lumina migrate [--config <path>] <up|down|status|version|goto <v>|force <v>|reset>")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Database, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	migrator, err := ledger.NewMigrator(st.SQLDB(), st.Driver())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}

	switch rest[0] {
	case "up":
		err = migrator.Up()
		if err == nil {
			fmt.Println("Migrations applied")
		}
	case "down":
		err = migrator.Down()
		if err == nil {
			fmt.Println("Rolled back one migration")
		}
	case "reset":
		err = migrator.Reset()
		if err == nil {
			fmt.Println("All migrations rolled back")
		}
	case "status", "version":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = migrator.Version()
		if err == nil {
			fmt.Printf("Version: %d\n", version)
			if dirty {
				fmt.Println("State: dirty (repair with 'migrate force <v>')")
			} else {
				fmt.Println("State: clean")
			}
		}
	case "goto":
		var v uint64
		v, err = parseVersionArg(rest)
		if err == nil {
			err = migrator.Goto(uint(v))
		}
		if err == nil {
			fmt.Printf("Migrated to version %d\n", v)
		}
	case "force":
		var v uint64
		v, err = parseVersionArg(rest)
		if err == nil {
			err = migrator.Force(int(v))
		}
		if err == nil {
			fmt.Printf("Forced version to %d\n", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", rest[0])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

func parseVersionArg(args []string) (uint64, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s requires a version argument", args[0])
	}
	return strconv.ParseUint(args[1], 10, 32)
}
