package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(rest)
	case "config":
		return runConfigNoun(rest)
	case "trigger":
		return runTriggerNoun(rest)
	case "message":
		return runMessageNoun(rest)
	case "credential":
		return runCredentialNoun(rest)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(rest)
	case "doctor":
		return runConfigCheck(rest)
	case "version":
		fmt.Printf("joai-gw version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `joai-gw - JoAi agent webhook gateway

Usage:
  joai-gw <noun> <action> [flags]

Core Resources (Nouns):
  system      Gateway lifecycle and monitoring
  config      Configuration validation
  trigger     Remote webhook subscriptions
  message     Outbound agent messages
  credential  JoAi API credential

System Commands:
  system start                Start the gateway in the foreground
  system watch                Real-time monitoring TUI

Config Commands:
  config check                Validate configuration and trigger wiring

Trigger Commands:
  trigger list                Show configured triggers and their registration
  trigger check <name>        Verify the remote subscription (cleans up drift)
  trigger activate <name>     Register the remote subscription if missing
  trigger deactivate <name>   Remove every remote subscription for the trigger

Message Commands:
  message send                Send a message to an agent

Credential Commands:
  credential test             Check that the API key is accepted

General:
  version                     Show version information
  help                        Show this help message

Use 'joai-gw <noun> help' for resource-specific flags.
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

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
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

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runTriggerNoun(args []string) int {
	if len(args) < 1 {
		printTriggerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTriggerNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printTriggerListHelp()
			return 0
		}
		return runTriggerList(actionArgs)
	case "check", "activate", "deactivate":
		if hasHelpFlag(actionArgs) {
			printTriggerActionHelp(action)
			return 0
		}
		return runTriggerAction(action, actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown trigger action: %s\n", action)
		return 1
	}
}

func runMessageNoun(args []string) int {
	if len(args) < 1 {
		printMessageNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printMessageNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "send":
		if hasHelpFlag(args[1:]) {
			printMessageSendHelp()
			return 0
		}
		return runMessageSend(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown message action: %s\n", args[0])
		return 1
	}
}

func runCredentialNoun(args []string) int {
	if len(args) < 1 {
		printCredentialNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCredentialNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "test":
		if hasHelpFlag(args[1:]) {
			printCredentialTestHelp()
			return 0
		}
		return runCredentialTest(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown credential action: %s\n", args[0])
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

// --- HELP ---

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: joai-gw system <action>")
	fmt.Fprintln(w, "Actions: start, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: joai-gw config <action> [flags]")
	fmt.Fprintln(w, "Actions: check")
}

func printTriggerNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: joai-gw trigger <action> [name] [flags]")
	fmt.Fprintln(w, "Actions: list, check, activate, deactivate")
}

func printMessageNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: joai-gw message <action> [flags]")
	fmt.Fprintln(w, "Actions: send")
}

func printCredentialNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: joai-gw credential <action> [flags]")
	fmt.Fprintln(w, "Actions: test")
}

func printSystemStartHelp() {
	fmt.Println("Usage: joai-gw system start [--config PATH]")
	fmt.Println("Start the gateway in the foreground. Every configured trigger is activated")
	fmt.Println("on start; with service.deactivate_on_shutdown they are removed on exit.")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: joai-gw system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI: gateway health, trigger registrations and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --config PATH    Read api.listen and api.api_key from this config")
	fmt.Println("  --api-url URL    Gateway API URL (default: from config, else http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or JOAI_GW_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  r                Refresh trigger status")
	fmt.Println("  ↑/↓, k/j         Navigate triggers")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: joai-gw config check [--config PATH] [--format human|json] [--json] [--strict] [--remote]")
	fmt.Println("Validate configuration and trigger wiring. --remote checks event types against")
	fmt.Println("the live JoAi catalogue instead of the built-in one.")
}

func printTriggerListHelp() {
	fmt.Println("Usage: joai-gw trigger list [--config PATH] [--json]")
	fmt.Println("Show configured triggers and their locally recorded registration.")
}

func printTriggerActionHelp(action string) {
	fmt.Printf("Usage: joai-gw trigger %s <name> [--config PATH] [--json]\n", action)
	switch action {
	case "check":
		fmt.Println("Look for the remote subscription. Stale subscriptions owned by the trigger are deleted.")
	case "activate":
		fmt.Println("Register the remote subscription unless one already exists for the callback URL.")
	case "deactivate":
		fmt.Println("Delete every remote subscription matching the callback URL or the trigger secret.")
	}
}

func printMessageSendHelp() {
	fmt.Println("Usage: joai-gw message send --agent ID --message TEXT [--room ROOM] [--as-agent] [--config PATH] [--json]")
	fmt.Println("Send a message to an agent as the API user, or as the agent itself with --as-agent.")
}

func printCredentialTestHelp() {
	fmt.Println("Usage: joai-gw credential test [--config PATH]")
	fmt.Println("Check that joai.api_key is accepted by joai.base_url.")
}
