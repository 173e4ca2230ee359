package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/joai-gw/internal/api"
	"github.com/mattjoyce/joai-gw/internal/config"
	"github.com/mattjoyce/joai-gw/internal/doctor"
	"github.com/mattjoyce/joai-gw/internal/joai"
	"github.com/mattjoyce/joai-gw/internal/log"
	"github.com/mattjoyce/joai-gw/internal/node"
	"github.com/mattjoyce/joai-gw/internal/tui/watch"
)

const defaultAPIURL = "http://localhost:8080"

// loadConfig loads the config at path, discovering it when path is empty.
// The resolved path is returned for logging.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// toolLogger keeps stdout clean for command output.
func toolLogger() *slog.Logger {
	return log.New(os.Stderr, "warn")
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// splitPositional separates the first non-flag argument from the flags so
// that 'trigger check <name> --json' and 'trigger check --json <name>' both
// work.
func splitPositional(args []string) (string, []string) {
	var positional string
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "-") {
			rest = append(rest, arg)
			// --config takes a value.
			if (arg == "--config" || arg == "-config") && i+1 < len(args) {
				i++
				rest = append(rest, args[i])
			}
			continue
		}
		if positional == "" {
			positional = arg
			continue
		}
		rest = append(rest, arg)
	}
	return positional, rest
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut, remote bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	fs.BoolVar(&remote, "remote", false, "Check event types against the live JoAi catalogue")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	var catalogue []joai.EventOption
	if remote {
		ctx, cancel := commandContext()
		catalogue = newClient(cfg, toolLogger()).WebhookEvents(ctx)
		cancel()
	}

	result := doctor.New(cfg, catalogue).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runTriggerList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()

	gw, err := openGateway(ctx, cfg, toolLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer gw.Close()

	statuses := make([]node.TriggerStatus, 0, gw.registry.Len())
	for _, n := range gw.registry.All() {
		st, err := n.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", n.Name(), err)
			return 1
		}
		statuses = append(statuses, st)
	}

	if *jsonOut {
		return printJSON(api.TriggerListResponse{Triggers: statuses})
	}

	if len(statuses) == 0 {
		fmt.Println("No triggers configured.")
		return 0
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tAGENT\tEVENTS\tREGISTERED\tWEBHOOK ID\tURL")
	for _, st := range statuses {
		registered := "no"
		if st.Registered {
			registered = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			st.Name, orDash(st.AgentID), strings.Join(st.Events, ","), registered, orDash(st.WebhookID), st.WebhookURL)
	}
	_ = tw.Flush()
	return 0
}

func runTriggerAction(action string, args []string) int {
	name, flagArgs := splitPositional(args)

	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if name == "" {
		fmt.Fprintf(os.Stderr, "Usage: joai-gw trigger %s <name> [--config PATH] [--json]\n", action)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()

	gw, err := openGateway(ctx, cfg, toolLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer gw.Close()

	n, err := gw.registry.Get(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch action {
	case "activate":
		res, err := n.Activate(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Activate failed: %v\n", err)
			return 1
		}
		if *jsonOut {
			return printJSON(api.ActivateResponse{
				Trigger:      n.Name(),
				Created:      res.Created,
				WebhookID:    res.WebhookID,
				WebhookURL:   res.WebhookURL,
				Replaced:     res.Replaced,
				StaleDeleted: res.StaleDeleted,
			})
		}
		if res.Created {
			fmt.Printf("Created subscription %s for %s -> %s\n", res.WebhookID, n.Name(), res.WebhookURL)
		} else {
			fmt.Printf("Subscription already exists for %s -> %s\n", n.Name(), res.WebhookURL)
		}
		if res.Replaced > 0 {
			fmt.Printf("Replaced %d subscription(s) carrying an outdated secret\n", res.Replaced)
		}
		if res.StaleDeleted > 0 {
			fmt.Printf("Removed %d stale subscription(s)\n", res.StaleDeleted)
		}
		return 0

	case "deactivate":
		report, err := n.Deactivate(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Deactivate failed: %v\n", err)
			return 1
		}
		if *jsonOut {
			resp := api.DeactivateResponse{
				Trigger: n.Name(),
				Matched: report.Matched,
				Deleted: report.Deleted,
				Failed:  report.Failed,
			}
			if report.ListErr != nil {
				resp.ListError = report.ListErr.Error()
			}
			return printJSON(resp)
		}
		fmt.Printf("Deactivated %s: matched %d, deleted %d, failed %d\n", n.Name(), report.Matched, report.Deleted, report.Failed)
		if report.ListErr != nil {
			fmt.Printf("Warning: could not list remote subscriptions: %v\n", report.ListErr)
		}
		return 0

	default: // check
		res, err := n.Check(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			return 1
		}
		if *jsonOut {
			return printJSON(api.NewCheckResponse(n.Name(), res))
		}
		switch {
		case res.Exists && res.SecretMismatch:
			fmt.Printf("%s: registered (%s) with an outdated secret, run activate to replace it\n", n.Name(), res.MatchedID)
		case res.Exists:
			fmt.Printf("%s: registered (%s)\n", n.Name(), res.MatchedID)
		case res.ListErr != nil:
			fmt.Printf("%s: unknown, could not list remote subscriptions: %v\n", n.Name(), res.ListErr)
		default:
			fmt.Printf("%s: not registered\n", n.Name())
		}
		if len(res.Stale) > 0 {
			fmt.Printf("Stale subscriptions: %d found, %d deleted, %d failed\n", len(res.Stale), res.Deleted, res.Failed)
		}
		return 0
	}
}

func runMessageSend(args []string) int {
	var configPath, agentID, message, room string
	var asAgent, jsonOut bool

	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&agentID, "agent", "", "Agent ID")
	fs.StringVar(&message, "message", "", "Message text")
	fs.StringVar(&room, "room", "", "Conversation room")
	fs.BoolVar(&asAgent, "as-agent", false, "Send as the agent instead of the API user")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if agentID == "" || message == "" {
		fmt.Fprintln(os.Stderr, "Usage: joai-gw message send --agent ID --message TEXT [--room ROOM] [--as-agent]")
		return 1
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	op := node.OpSendMessageAsUser
	if asAgent {
		op = node.OpSendMessageAsAgent
	}
	item := map[string]any{
		node.ParamAgentID:   agentID,
		node.ParamMessage:   message,
		node.ParamOperation: op,
	}
	if room != "" {
		item[node.ParamRoom] = room
	}

	ctx, cancel := commandContext()
	defer cancel()

	logger := toolLogger()
	sender := node.NewSendMessageNode(newClient(cfg, logger), nil, logger)
	results, err := sender.ExecuteItems(ctx, []map[string]any{item}, nil, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
		return 1
	}

	if jsonOut {
		return printJSON(api.MessageResponse{Results: results})
	}
	fmt.Printf("Message sent to agent %s (%s)\n", agentID, op)
	return 0
}

func runCredentialTest(args []string) int {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if cfg.JoAi.APIKey == "" {
		fmt.Fprintln(os.Stderr, "Error: joai.api_key is not set")
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()

	if err := newClient(cfg, toolLogger()).Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Credential test failed: %v\n", err)
		return 1
	}
	fmt.Printf("Credential OK (%s)\n", cfg.JoAi.BaseURL)
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	apiURL := fs.String("api-url", "", "Gateway API URL")
	apiKey := fs.String("api-key", os.Getenv("JOAI_GW_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	url, key, err := resolveWatchTarget(*configPath, *apiURL, *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	m := watch.New(url, key)
	p := tea.NewProgram(*m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// resolveWatchTarget fills in the API URL and key from config when the
// flags leave them empty. An explicit --config must load; a discovered one
// is optional.
func resolveWatchTarget(configPath, apiURL, apiKey string) (string, string, error) {
	if apiURL == "" || apiKey == "" {
		cfg, _, err := loadConfig(configPath)
		switch {
		case err == nil:
			if apiURL == "" {
				apiURL = apiURLFromListen(cfg.API.Listen)
			}
			if apiKey == "" {
				apiKey = cfg.API.APIKey
			}
		case configPath != "":
			return "", "", err
		}
	}
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if apiKey == "" {
		return "", "", fmt.Errorf("API key required. Use --api-key, JOAI_GW_API_KEY or api.api_key in config")
	}
	return strings.TrimRight(apiURL, "/"), apiKey, nil
}

// apiURLFromListen turns a listen address into a URL a local client can
// dial. Wildcard hosts become localhost.
func apiURLFromListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		return defaultAPIURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
