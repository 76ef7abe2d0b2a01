// geofencectl is the control CLI for geofenced.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"geofenced/internal/config"
)

// Version is set via -ldflags.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket (overrides config)")
	noColor    = flag.Bool("no-color", false, "disable colored output")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	if *noColor || os.Getenv("NO_COLOR") != "" {
		c = palette{}
	}

	args := flag.Args()[1:]
	switch cmd := flag.Arg(0); cmd {
	case "status":
		cmdStatus()
	case "init":
		cmdInit()
	case "uninit":
		cmdUnInit()
	case "register":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: geofencectl register <file>")
			os.Exit(1)
		}
		cmdRegister(args[0])
	case "unregister":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: geofencectl unregister <id>")
			os.Exit(1)
		}
		cmdUnregister(args[0])
	case "list":
		cmdList()
	case "watch":
		cmdWatch(args)
	case "history":
		region := ""
		if len(args) >= 1 {
			region = args[0]
		}
		cmdHistory(region, limitArg(args, 1))
	case "permission":
		cmdPermission(args)
	case "config":
		cmdConfigShow(args)
	case "version":
		fmt.Printf("geofencectl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `geofencectl - Control utility for geofenced

Usage: geofencectl [options] <command> [args]

Commands:
  status                      Show daemon status and delivery statistics
  init                        Start event delivery (requires location access)
  uninit                      Stop event delivery and reset occupancy
  register <file>             Register regions from a JSON, YAML or TOML file
  unregister <id>             Remove a region
  list                        List regions with their occupancy
  watch [type...]             Stream events (enter, exit, dwell, ranging)
  history [region] [limit]    Show logged events, newest first
  permission                  Show the location permission state
  permission request          Ask for location access
  permission history [limit]  Show permission changes
  config [toml|json|yaml]     Print the effective configuration
  version                     Show version
  help                        Show this help message

Options:
  -config <path>  Path to config file (default: ~/.geofenced/config.toml)
  -socket <path>  Daemon socket path
  -no-color       Disable colored output`)
}

func loadConfig() *config.Config {
	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func cmdConfigShow(args []string) {
	format := "toml"
	if len(args) > 0 {
		format = args[0]
	}
	if err := loadConfig().Encode(os.Stdout, format); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// limitArg parses args[i] as a positive limit, or returns 0 to let the
// daemon choose.
func limitArg(args []string, i int) int {
	if len(args) <= i {
		return 0
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid limit: %s\n", args[i])
		os.Exit(1)
	}
	return n
}
