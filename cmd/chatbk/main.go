// cmd/chatbk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// chatbk backs up chat histories into encrypted, content-addressed
// storage and serves the job API that drives those backups.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mmp/chatbk/config"
	"github.com/mmp/chatbk/storage"
	u "github.com/mmp/chatbk/util"
)

var log = u.NewLogger(false, false)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: chatbk <command> [flags]

commands:
  serve   [--config file]                      job API, gateway and workers
  worker  [--config file]                      workers for the Redis queue only
  fsck    [--config file] [--space s] [--password p] [root|job-id]
  export  [--config file] [--space s] [--password p] [--media dir] <root|job-id>
  mount   [--config file] [--space s] [--password p] <mountpoint> <root|job-id>...
  parity  <encode|check|restore> <files...>
  format                                       describe the storage format
`)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "serve":
		serve(args, true)
	case "worker":
		serve(args, false)
	case "fsck":
		fsck(args)
	case "export":
		exportBackup(args)
	case "mount":
		mount(args)
	case "parity":
		parity(args)
	case "format":
		fmt.Print(formatText)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "chatbk: %s: unknown command\n", cmd)
		usage()
	}

	if n := log.NErrors(); n > 0 {
		fmt.Fprintf(os.Stderr, "chatbk: %d errors\n", n)
		os.Exit(1)
	}
}

// loadConfig loads the configuration file and sets up logging as it
// specifies.
func loadConfig(fn string) *config.Config {
	cfg, err := config.Load(fn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatbk: %v\n", err)
		os.Exit(1)
	}
	setupLog(cfg)
	return cfg
}

// offlineConfig is loadConfig for commands that only read storage; the
// configuration needn't be complete.
func offlineConfig(fn string) *config.Config {
	cfg, err := config.Read(fn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatbk: %v\n", err)
		os.Exit(1)
	}
	if fn == "" {
		cfg.Log.Verbose = true
	}
	setupLog(cfg)
	return cfg
}

func setupLog(cfg *config.Config) {
	log = u.NewLoggerTo(os.Stderr, u.LogOptions{
		Format:  cfg.Log.Format,
		Verbose: cfg.Log.Verbose,
		Debug:   cfg.Log.Debug,
	})
	storage.SetLogger(log.With("component", "storage"))
}

func parseFlags(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
}
