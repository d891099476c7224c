package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if handled, exitCode := dispatchSubcommand(os.Args[1:]); handled {
		os.Exit(exitCode)
	}
	printHelp()
	os.Exit(2)
}

func dispatchSubcommand(args []string) (bool, int) {
	if len(args) == 0 {
		return false, 0
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return true, 0
	case "--help", "-h", "help":
		printHelp()
		return true, 0
	case "serve":
		return true, runCommand(runServeCommand, args[1:])
	case "watch":
		return true, runCommand(runWatchCommand, args[1:])
	default:
		if strings.HasPrefix(args[0], "-") {
			fmt.Fprintf(os.Stderr, "Error: unknown flag: %s\n", args[0])
		} else {
			fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n", args[0])
		}
		fmt.Fprintln(os.Stderr, "Run 'browserrelay --help' for usage.")
		return true, 1
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func printHelp() {
	fmt.Println("browserrelay - stream remote headless browser sessions over websockets")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  browserrelay <COMMAND> [FLAGS]")
	fmt.Println()
	fmt.Println("COMMANDS:")
	fmt.Println("  serve [-config path] [-bind addr] [-driver rod|memory]")
	fmt.Println("                                   Run the relay server")
	fmt.Println("  watch -url ws://host/api/ws/<id> [-out dir] [-frames n]")
	fmt.Println("                                   Attach to a session and save received frames")
	fmt.Println("  version                          Show version information")
	fmt.Println()
	fmt.Println("ENVIRONMENT:")
	fmt.Println("  RELAY_BIND, RELAY_BROWSER_DRIVER, RELAY_LOG_LEVEL, RELAY_EVENTS_KIND,")
	fmt.Println("  RELAY_NATS_URL, RELAY_STORAGE_PATH and friends override config files.")
}

func printVersion() {
	fmt.Printf("browserrelay %s\n", version)
	if commit != "unknown" {
		fmt.Printf("  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Printf("  Built:      %s\n", buildDate)
	}
	fmt.Printf("  Go version: %s\n", runtime.Version())
}
