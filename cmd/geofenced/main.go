// geofenced is the region monitoring daemon.
//
// Usage:
//
//	geofenced run [-config path]     Run the daemon in the foreground
//	geofenced config init            Write a default configuration file
//	geofenced config show [-format]  Print the effective configuration
//	geofenced config validate        Validate the configuration file
//	geofenced crashes                List crash reports
//	geofenced version                Show version information
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"geofenced/internal/config"
	"geofenced/internal/logging"
)

// Build-time variables (set via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "run", "serve":
		cmdRun(os.Args[2:])
	case "config":
		cmdConfig(os.Args[2:])
	case "crashes":
		cmdCrashes()
	case "version", "-v", "--version":
		fmt.Printf("geofenced %s\n", Version)
		fmt.Printf("  Build:    %s\n", BuildTime)
		fmt.Printf("  Commit:   %s\n", Commit)
		fmt.Printf("  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `geofenced - region monitoring daemon

Tracks registered circular regions and iBeacon regions against location
fixes and beacon scans, and delivers enter, exit, dwell and ranging events
to subscribed clients over a Unix socket.

USAGE:
    geofenced <command> [options]

COMMANDS:
    run                 Run the daemon in the foreground
    config init         Write a default configuration file
    config show         Print the effective configuration
    config validate     Validate the configuration file
    crashes             List crash reports
    version             Show version information
    help                Show this help

OPTIONS (run, config):
    -config <path>      Configuration file (default: ~/.geofenced/config.toml)
    -format <fmt>       Output format for 'config show': toml, json, yaml

ENVIRONMENT:
    GEOFENCED_DIR            Base directory (default: ~/.geofenced)
    GEOFENCED_REGIONS_FILE   Region definitions file to import
    GEOFENCED_SOCKET_PATH    IPC socket path
    GEOFENCED_LOG_LEVEL      debug, info, warn or error
    GEOFENCED_METRICS_ADDR   Serve /metrics and health probes on this address
    GEOFENCED_REPLAY_FILE    Feed recorded samples instead of live sensors
    GEOFENCED_PERMISSION     Permission state when GeoClue is disabled

Use 'geofencectl' to manage regions and watch events.
`)
}

func cmdConfig(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: geofenced config <init|show|validate> [-config path]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	format := fs.String("format", "toml", "output format: toml, json or yaml")
	fs.Parse(args[1:])

	switch args[0] {
	case "init":
		path := *configPath
		if path == "" {
			path = config.ConfigPath()
		}
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if created {
			fmt.Printf("Wrote default configuration to %s\n", path)
		} else {
			fmt.Printf("Configuration already exists at %s\n", path)
		}

	case "show":
		cfg, err := config.NewLoader(*configPath).Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.Encode(os.Stdout, *format); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "validate":
		loader := config.NewLoader(*configPath)
		if _, err := loader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", loader.Path(), err)
			os.Exit(1)
		}
		fmt.Printf("%s: OK\n", loader.Path())

	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdCrashes() {
	reports, err := logging.NewCrashHandler("", Version, nil).Reports()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading crash reports: %v\n", err)
		os.Exit(1)
	}
	if len(reports) == 0 {
		fmt.Println("No crash reports.")
		return
	}
	for _, r := range reports {
		fmt.Printf("%s  %-8s %-20s %s\n",
			r.Timestamp.Local().Format(time.DateTime), r.Version, r.Goroutine, r.PanicValue)
	}
}
