package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/toolbridge/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "worker":
		return runWorkerNoun(args)
	case "call":
		if hasHelpFlag(args) {
			printCallHelp()
			return 0
		}
		return runCall(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: toolbridge version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("toolbridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`toolbridge - capability router and worker supervisor

Usage:
  toolbridge <noun> <action> [flags]

Core Resources (Nouns):
  system    Router lifecycle and health
  config    Configuration validation
  worker    Worker inspection and control

System Commands:
  system start      Start the router in the foreground
  system status     Show lock state and router health
  system watch      Real-time worker monitoring TUI

Config Commands:
  config check      Validate configuration and worker descriptors
  config show       Print the resolved configuration

Worker Commands:
  worker list       List workers with state, health and metrics
  worker show <id>  Show one worker
  worker reset <id> Clear a worker's failure state

Routing:
  call <capability> [payload]  Route one request through a running router

General:
  version           Show version information
  help              Show this help message

Use 'toolbridge <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runWorkerNoun(args []string) int {
	if len(args) < 1 {
		printWorkerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWorkerNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		return runWorkerList(actionArgs)
	case "show":
		return runWorkerShow(actionArgs)
	case "reset":
		return runWorkerReset(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: toolbridge system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: toolbridge config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show")
}

func printWorkerNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: toolbridge worker <action> [--api-url URL] [--token TOKEN]")
	fmt.Fprintln(w, "Actions: list, show <id>, reset <id>")
}

func printSystemStartHelp() {
	fmt.Println("Usage: toolbridge system start [--config PATH]")
	fmt.Println("Start the router in the foreground. SIGHUP reloads the configuration.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: toolbridge system status [--config PATH] [--json]")
	fmt.Println("Show instance lock state and, when the API is enabled, router health.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Router running and healthy")
	fmt.Println("  1  Router not running or unhealthy")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: toolbridge system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time worker monitoring TUI.")
	fmt.Println("Shows router health, the worker table, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Router API URL (default from config, else http://127.0.0.1:8090)")
	fmt.Println("  --token TOKEN    API bearer token (or TOOLBRIDGE_API_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select worker")
	fmt.Println("  r                Reset selected worker")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: toolbridge config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration, worker descriptors and spawn commands.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: toolbridge config show [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration, includes merged and defaults applied.")
}

func printCallHelp() {
	fmt.Println("Usage: toolbridge call <capability> [payload-json] [--api-url URL] [--token TOKEN] [--timeout DURATION]")
	fmt.Println("Route one request through a running router. Reads the payload from stdin when it is '-'.")
}

// resolveConfigPath returns path, or the discovered config location.
func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	discovered, err := config.DiscoverConfigDir()
	if err != nil {
		return "", fmt.Errorf("discover config: %w", err)
	}
	return discovered, nil
}

func loadConfig(path string) (*config.Config, error) {
	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	return config.Load(resolved)
}

// pidLockPath places the instance lock next to the state database.
func pidLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), "toolbridge.lock")
}
