package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/isc-ryoung/remedyd/internal/config"
	"github.com/isc-ryoung/remedyd/internal/daemon"
	"github.com/isc-ryoung/remedyd/internal/model"
	"github.com/isc-ryoung/remedyd/internal/setup"
	"github.com/isc-ryoung/remedyd/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "queue":
		runQueue(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "approve":
		runApprove(os.Args[2:])
	case "usage":
		runUsage(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "version":
		fmt.Printf("remedyd %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig resolves the config file from --config or REMEDYD_CONFIG and
// strips the flag from args.
func loadConfig(args []string) (*model.Config, []string) {
	path := os.Getenv("REMEDYD_CONFIG")
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" {
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			i++
			path = args[i]
			continue
		}
		rest = append(rest, args[i])
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg, rest
}

func client(cfg *model.Config) *uds.Client {
	return uds.NewClient(cfg.Daemon.SocketPath)
}

// call sends one op and exits non-zero on transport or op failure.
func call(cfg *model.Config, op string, params any) json.RawMessage {
	resp, err := client(cfg).Call(op, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "error [%s]: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}
	return resp.Data
}

func printJSON(data json.RawMessage) {
	var buf map[string]any
	if err := json.Unmarshal(data, &buf); err != nil {
		fmt.Println(string(data))
		return
	}
	out, _ := json.MarshalIndent(buf, "", "  ")
	fmt.Println(string(out))
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: remedyd setup <data-dir>")
		os.Exit(1)
	}
	if err := setup.Run(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("initialized %s\n", args[0])
}

func runDaemon(args []string) {
	cfg, _ := loadConfig(args)

	d, err := daemon.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSubmit(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "usage: remedyd submit <action-kind> <target-resource> [options]")
		os.Exit(1)
	}

	payload := map[string]any{
		"action_kind":     rest[0],
		"target_resource": rest[1],
	}
	params := map[string]any{}

	opts := rest[2:]
	for i := 0; i < len(opts); i++ {
		switch opts[i] {
		case "--param":
			if i+1 >= len(opts) {
				fmt.Fprintln(os.Stderr, "--param requires key=value")
				os.Exit(1)
			}
			i++
			key, value, ok := strings.Cut(opts[i], "=")
			if !ok {
				fmt.Fprintf(os.Stderr, "invalid --param %q, expected key=value\n", opts[i])
				os.Exit(1)
			}
			params[key] = value
		case "--priority":
			if i+1 >= len(opts) {
				fmt.Fprintln(os.Stderr, "--priority requires a value")
				os.Exit(1)
			}
			i++
			payload["priority"] = opts[i]
		case "--approved":
			payload["approved"] = true
		case "--requester":
			if i+1 >= len(opts) {
				fmt.Fprintln(os.Stderr, "--requester requires a value")
				os.Exit(1)
			}
			i++
			payload["requester"] = opts[i]
		case "--depends-on":
			if i+1 >= len(opts) {
				fmt.Fprintln(os.Stderr, "--depends-on requires a command id")
				os.Exit(1)
			}
			i++
			deps, _ := payload["dependencies"].([]any)
			payload["dependencies"] = append(deps, opts[i])
		default:
			fmt.Fprintf(os.Stderr, "unknown option: %s\n", opts[i])
			os.Exit(1)
		}
	}
	payload["parameters"] = params

	printJSON(call(cfg, "submit", payload))
}

func runStatus(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: remedyd status <command-id>")
		os.Exit(1)
	}
	printJSON(call(cfg, "status", map[string]string{"id": rest[0]}))
}

func runQueue(args []string) {
	cfg, _ := loadConfig(args)
	printJSON(call(cfg, "queue", nil))
}

func runCancel(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: remedyd cancel <command-id>")
		os.Exit(1)
	}
	printJSON(call(cfg, "cancel", map[string]string{"id": rest[0]}))
}

func runApprove(args []string) {
	cfg, rest := loadConfig(args)
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: remedyd approve <command-id>")
		os.Exit(1)
	}
	printJSON(call(cfg, "approve", map[string]string{"id": rest[0]}))
}

func runUsage(args []string) {
	cfg, _ := loadConfig(args)
	printJSON(call(cfg, "usage", nil))
}

func runShutdown(args []string) {
	cfg, _ := loadConfig(args)
	printJSON(call(cfg, "shutdown", nil))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `remedyd %s — Remediation command orchestration daemon

Usage: remedyd <command> [--config path] [options]

Daemon:
  setup <data-dir>      Initialize the data directory and config
  daemon                Run the daemon process
  shutdown              Ask the daemon to shut down

Commands:
  submit <kind> <resource> [options]   Submit a remediation command
      --param key=value   Handler parameter (repeatable)
      --priority <p>      high | normal | low
      --approved          Pre-approve a high risk command
      --requester <name>  Record who asked
      --depends-on <id>   Run only after <id> succeeds (repeatable)
  status <id>           Show a command's execution record
  queue                 Show queue depths and in-flight commands
  cancel <id>           Cancel a queued command
  approve <id>          Approve a command parked at the risk gate
  usage                 Show session usage counters

Utilities:
  version               Show version
  help                  Show this help

`, version)
}
