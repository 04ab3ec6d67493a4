package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/opsdesk-io/opsdesk/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "chat":
		cmdChat(os.Args[2:])
	case "health":
		cmdHealth()
	case "projects":
		cmdProjects()
	case "issues":
		cmdIssues(os.Args[2:])
	case "states":
		cmdStates()
	case "comments":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: opsdeskctl comments <issue-id>")
			os.Exit(1)
		}
		cmdComments(os.Args[2])
	case "comment":
		cmdComment(os.Args[2:])
	case "sync":
		cmdSync()
	case "logs":
		cmdLogs(os.Args[2:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: opsdeskctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// --- chat command ---

func cmdChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	email := fs.String("email", envOr("OPSDESK_EMAIL", ""), "Reporter email")
	message := fs.String("message", "", "Single message (omit for interactive)")
	fs.Parse(args)

	if *email == "" {
		fmt.Fprintln(os.Stderr, "error: email required (--email or OPSDESK_EMAIL)")
		os.Exit(1)
	}

	sessionID := ""
	send := func(text string) bool {
		payload, _ := json.Marshal(map[string]string{
			"session_id": sessionID,
			"email":      *email,
			"message":    text,
		})
		body, err := apiPost("/api/chat", payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		var res struct {
			SessionID string `json:"session_id"`
			Message   string `json:"message"`
			TicketID  string `json:"ticket_id"`
		}
		json.Unmarshal(body, &res)
		sessionID = res.SessionID
		fmt.Println(res.Message)
		if res.TicketID != "" {
			fmt.Printf("(ticket %s)\n", res.TicketID)
		}
		return true
	}

	if *message != "" {
		if !send(*message) {
			os.Exit(1)
		}
		return
	}

	fmt.Println("opsdesk intake chat (type 'quit' to exit)")
	fmt.Println()
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		send(line)
		fmt.Println()
	}
}

// --- API client commands ---

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdProjects() {
	body, err := apiGet("/api/projects")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var projects []map[string]any
	json.Unmarshal(body, &projects)
	for _, p := range projects {
		fmt.Printf("%-38s %s\n", p["id"], p["name"])
	}
}

func cmdIssues(args []string) {
	fs := flag.NewFlagSet("issues", flag.ExitOnError)
	groupBy := fs.String("group-by", "", "Group by: status|priority|assignee|project|team|label")
	fs.Parse(args)

	path := "/api/issues"
	if *groupBy != "" {
		path += "?group_by=" + *groupBy
	}
	body, err := apiGet(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *groupBy != "" {
		var groups map[string][]map[string]any
		json.Unmarshal(body, &groups)
		for key, issues := range groups {
			fmt.Printf("%s (%d)\n", key, len(issues))
			for _, i := range issues {
				fmt.Printf("  %-12s %s\n", i["identifier"], i["title"])
			}
		}
		return
	}

	var issues []map[string]any
	json.Unmarshal(body, &issues)
	for _, i := range issues {
		fmt.Printf("%-12s %s\n", i["identifier"], i["title"])
	}
}

func cmdStates() {
	body, err := apiGet("/api/states")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var states []map[string]any
	json.Unmarshal(body, &states)
	for _, s := range states {
		fmt.Printf("%-38s %-12s %s\n", s["id"], s["type"], s["name"])
	}
}

func cmdComments(issueID string) {
	body, err := apiGet("/api/issues/" + issueID + "/comments")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdComment(args []string) {
	fs := flag.NewFlagSet("comment", flag.ExitOnError)
	body := fs.String("body", "", "Comment text")
	fs.Parse(args)

	if fs.NArg() < 1 || *body == "" {
		fmt.Fprintln(os.Stderr, "usage: opsdeskctl comment <issue-id> --body <text>")
		os.Exit(1)
	}

	payload, _ := json.Marshal(map[string]string{"body": *body})
	resp, err := apiPost("/api/issues/"+fs.Arg(0)+"/comments", payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(resp))
}

func cmdSync() {
	body, err := apiPost("/api/sync", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	level := fs.String("level", "", "Minimum level: info|warn|error")
	component := fs.String("component", "", "Filter by component")
	limit := fs.Int("limit", 50, "Max entries")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *level != "" {
		query += "&level=" + *level
	}
	if *component != "" {
		query += "&component=" + *component
	}

	body, err := apiGet("/api/logs" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var entries []map[string]any
	json.Unmarshal(body, &entries)
	for _, e := range entries {
		fmt.Printf("%-25s %-5s %-10s %s\n", e["time"], e["level"], e["component"], e["message"])
	}
}

func cmdConfigValidate(path string) {
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	return apiDo("GET", path, nil)
}

func apiPost(path string, payload []byte) ([]byte, error) {
	return apiDo("POST", path, payload)
}

func apiDo(method, path string, payload []byte) ([]byte, error) {
	base := envOr("OPSDESK_API_URL", "http://localhost:8080")

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, base+path, rdr)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("OPSDESK_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("opsdeskctl — opsdesk management CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat                 Report an issue (--email, --message; interactive by default)")
	fmt.Println("  health               Check daemon health")
	fmt.Println("  projects             List tracked projects")
	fmt.Println("  issues               List issues (--group-by)")
	fmt.Println("  states               List workflow states")
	fmt.Println("  comments <id>        Show comments on an issue")
	fmt.Println("  comment <id> --body  Add a comment to an issue")
	fmt.Println("  sync                 Refresh the tracker cache now")
	fmt.Println("  logs                 Show recent daemon logs (--level, --component, --limit)")
	fmt.Println("  config validate <p>  Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  OPSDESK_API_URL  Daemon URL (default: http://localhost:8080)")
	fmt.Println("  OPSDESK_API_KEY  API key for authentication")
	fmt.Println("  OPSDESK_EMAIL    Default reporter email for chat")
	fmt.Println()
}
