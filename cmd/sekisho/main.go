package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/bdobrica/sekisho/common/crypto"
	"github.com/bdobrica/sekisho/common/version"
	"github.com/bdobrica/sekisho/internal/sekisho/app"
	"github.com/bdobrica/sekisho/internal/sekisho/config"
)

func main() {
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sekisho %s (commit %s, built %s)\n",
			version.Version, version.GitCommit, version.BuildTime)
		return
	}

	slog.Info("sekisho execution broker starting",
		"version", version.Version, "commit", version.GitCommit)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Optional at-rest sealing key. When unset, vault values persist raw.
	if rawKey := os.Getenv("SEKISHO_MASTER_KEY"); rawKey != "" {
		key, err := crypto.ParseMasterKey(rawKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: SEKISHO_MASTER_KEY: %v\nGenerate a key with: openssl rand -hex 32\n", err)
			os.Exit(1)
		}
		cfg.MasterKey = key
	}

	broker, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize sekisho: %v\n", err)
		os.Exit(1)
	}
	defer broker.Stop()

	if err := broker.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running sekisho: %v\n", err)
		os.Exit(1)
	}
}
