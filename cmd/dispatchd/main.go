package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/havenline/dispatch/internal/daemon"
	"github.com/havenline/dispatch/internal/model"
	"github.com/havenline/dispatch/internal/setup"
	"github.com/havenline/dispatch/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "create":
		runCreate(os.Args[2:])
	case "withdraw":
		runWithdraw(os.Args[2:])
	case "accept":
		runAccept(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "heartbeat":
		runHeartbeat(os.Args[2:])
	case "version":
		fmt.Printf("dispatchd %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: dispatchd <command> [options]

commands:
  init <dir> [--service <name>]   Initialize .dispatch/ in a directory
  daemon                          Run the assignment daemon
  create [options]                Create an escalation task
  withdraw <task_id> [--reason]   Withdraw an open escalation
  accept <task_id> --mentor <id>  Accept a task as a mentor
  list [--json]                   Show the open queue with wait estimates
  stats [--json]                  Show active task and crisis alert counts
  watch --mentor <id>             Subscribe to assignment events
  heartbeat --mentor <id>         Refresh a mentor's presence
  version                         Print version
  help                            Show this help`)
}

func runInit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dispatchd init <dir> [--service <name>]")
		os.Exit(1)
	}
	dir := args[0]
	serviceName := ""
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--service":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--service requires a value")
				os.Exit(1)
			}
			i++
			serviceName = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dispatchd init <dir> [--service <name>]\n", rest[i])
			os.Exit(1)
		}
	}

	if err := setup.Run(dir, serviceName); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s in %s\n", setup.DirName, absDir)
}

func runDaemon(_ []string) {
	workDir := findDispatchDir()
	if workDir == "" {
		fmt.Fprintln(os.Stderr, "error: .dispatch/ directory not found. Run 'dispatchd init <dir>' first.")
		os.Exit(1)
	}

	cfg, err := setup.LoadConfig(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(workDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runCreate(args []string) {
	req := model.IntakeRequest{
		SessionType: model.SessionChat,
		RiskLevel:   model.RiskLow,
		Priority:    5,
		Context:     map[string]string{},
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session":
			i = requireValue(args, i, "--session")
			req.ExternalSessionID = args[i]
		case "--user-alias":
			i = requireValue(args, i, "--user-alias")
			req.UserAlias = args[i]
		case "--user-id":
			i = requireValue(args, i, "--user-id")
			req.UserID = args[i]
		case "--type":
			i = requireValue(args, i, "--type")
			req.SessionType = model.SessionType(args[i])
		case "--risk":
			i = requireValue(args, i, "--risk")
			req.RiskLevel = model.RiskLevel(args[i])
		case "--priority":
			i = requireValue(args, i, "--priority")
			p, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "--priority must be an integer: %v\n", err)
				os.Exit(1)
			}
			req.Priority = p
		case "--context":
			i = requireValue(args, i, "--context")
			key, value, ok := strings.Cut(args[i], "=")
			if !ok {
				fmt.Fprintln(os.Stderr, "--context expects key=value")
				os.Exit(1)
			}
			req.Context[key] = value
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dispatchd create --session <id> [--user-alias <alias>] [--user-id <id>] [--type <chat|voice|emergency>] [--risk <low|medium|high|critical>] [--priority <n>] [--context k=v]...\n", args[i])
			os.Exit(1)
		}
	}

	if req.ExternalSessionID == "" {
		fmt.Fprintln(os.Stderr, "--session is required")
		os.Exit(1)
	}

	data := sendOrDie("task_create", req)
	printJSON(data)
}

func runWithdraw(args []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintln(os.Stderr, "usage: dispatchd withdraw <task_id> [--reason <reason>]")
		os.Exit(1)
	}
	params := daemon.TaskWithdrawParams{TaskID: args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--reason":
			i = requireValue(rest, i, "--reason")
			params.Reason = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dispatchd withdraw <task_id> [--reason <reason>]\n", rest[i])
			os.Exit(1)
		}
	}

	data := sendOrDie("task_withdraw", params)
	printJSON(data)
}

func runAccept(args []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintln(os.Stderr, "usage: dispatchd accept <task_id> --mentor <id> [--notes <notes>]")
		os.Exit(1)
	}
	params := daemon.AcceptParams{TaskID: args[0]}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--mentor":
			i = requireValue(rest, i, "--mentor")
			params.MentorID = rest[i]
		case "--notes":
			i = requireValue(rest, i, "--notes")
			params.Notes = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dispatchd accept <task_id> --mentor <id> [--notes <notes>]\n", rest[i])
			os.Exit(1)
		}
	}
	if params.MentorID == "" {
		fmt.Fprintln(os.Stderr, "--mentor is required")
		os.Exit(1)
	}

	data := sendOrDie("task_accept", params)
	printJSON(data)
}

func runList(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dispatchd list [--json]\n", a)
			os.Exit(1)
		}
	}

	data := sendOrDie("task_list", nil)
	if jsonOutput {
		printJSON(data)
		return
	}

	var result daemon.TaskListResult
	if err := json.Unmarshal(data, &result); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
	if result.TotalCount == 0 {
		fmt.Println("queue is empty")
		return
	}
	fmt.Printf("%-28s %-10s %-8s %-10s %-6s %s\n", "TASK", "RISK", "PRI", "STATE", "WAIT", "USER")
	for _, t := range result.ActiveSessions {
		fmt.Printf("%-28s %-10s %-8d %-10s %3dm   %s\n",
			t.ID, t.RiskLevel, t.Priority, t.State, t.EstimatedWaitMin, t.UserAlias)
	}
}

func runStats(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dispatchd stats [--json]\n", a)
			os.Exit(1)
		}
	}

	data := sendOrDie("stats", nil)
	if jsonOutput {
		printJSON(data)
		return
	}

	var result daemon.StatsResult
	if err := json.Unmarshal(data, &result); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("active tasks:  %d\n", result.ActiveTasks)
	fmt.Printf("crisis alerts: %d\n", result.CrisisAlerts)
}

func runHeartbeat(args []string) {
	mentorID := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--mentor":
			i = requireValue(args, i, "--mentor")
			mentorID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dispatchd heartbeat --mentor <id>\n", args[i])
			os.Exit(1)
		}
	}
	if mentorID == "" {
		fmt.Fprintln(os.Stderr, "--mentor is required")
		os.Exit(1)
	}

	sendOrDie("heartbeat", daemon.HeartbeatParams{MentorID: mentorID})
	fmt.Println("ok")
}

// runWatch subscribes to the event stream and prints one JSON line per
// event until the daemon goes away or the process is interrupted.
func runWatch(args []string) {
	mentorID := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--mentor":
			i = requireValue(args, i, "--mentor")
			mentorID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dispatchd watch --mentor <id>\n", args[i])
			os.Exit(1)
		}
	}
	if mentorID == "" {
		fmt.Fprintln(os.Stderr, "--mentor is required")
		os.Exit(1)
	}

	client := newClient()
	conn, err := client.Subscribe("subscribe", daemon.SubscribeParams{MentorID: mentorID})
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	for {
		var resp uds.Response
		if err := uds.ReadFrame(conn, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "watch: stream closed: %v\n", err)
			os.Exit(1)
		}
		if !resp.Success {
			fmt.Fprintf(os.Stderr, "watch: %s: %s\n", resp.Error.Code, resp.Error.Message)
			os.Exit(1)
		}
		printJSON(resp.Data)
	}
}

func requireValue(args []string, i int, flag string) int {
	if i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return i + 1
}

func newClient() *uds.Client {
	workDir := findDispatchDir()
	if workDir == "" {
		fmt.Fprintln(os.Stderr, "error: .dispatch/ directory not found. Run 'dispatchd init <dir>' first.")
		os.Exit(1)
	}
	return uds.NewClient(filepath.Join(workDir, uds.DefaultSocketName))
}

func sendOrDie(command string, params any) json.RawMessage {
	client := newClient()
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", command, resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}
	return resp.Data
}

func printJSON(data json.RawMessage) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		fmt.Println(string(data))
		return
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(string(pretty))
}

// findDispatchDir searches for .dispatch/ in the current directory and ancestors.
func findDispatchDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
