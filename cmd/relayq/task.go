package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mothlane/relayq/internal/config"
)

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: relayq task <create|list|get|retry> ...")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	apiKey, err := loadAPIKey(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "api key: %v\n", err)
		return 1
	}
	client := &apiClient{base: baseURL(cfg), key: apiKey}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "create":
		return runTaskCreate(ctx, client, args[1:])
	case "list":
		return runTaskList(ctx, client, args[1:])
	case "get":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: relayq task get <id>")
			return 2
		}
		return client.call(ctx, http.MethodGet, "/tasks/"+url.PathEscape(args[1]), "")
	case "retry":
		return runTaskRetry(ctx, client, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown task action %q\n", args[0])
		return 2
	}
}

func runTaskCreate(ctx context.Context, client *apiClient, args []string) int {
	fs := flag.NewFlagSet("task create", flag.ContinueOnError)
	chatID := fs.String("chat", "", "chat to attach the task to")
	attempts := fs.Int("attempts", 0, "attempt budget (0 = server default)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		fmt.Fprintln(os.Stderr, `usage: relayq task create [--chat id] [--attempts n] <type> [payload-json]`)
		return 2
	}
	payload := "{}"
	if len(rest) == 2 {
		payload = rest[1]
	}
	body := fmt.Sprintf(`{"type":%q,"payload":%s,"max_attempts":%d,"chat_id":%q}`,
		rest[0], payload, *attempts, *chatID)
	return client.call(ctx, http.MethodPost, "/tasks", body)
}

func runTaskList(ctx context.Context, client *apiClient, args []string) int {
	fs := flag.NewFlagSet("task list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status (pending, claimed, running, completed, failed, dead)")
	limit := fs.Int("limit", 50, "maximum tasks to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	q.Set("limit", fmt.Sprint(*limit))
	return client.call(ctx, http.MethodGet, "/tasks?"+q.Encode(), "")
}

func runTaskRetry(ctx context.Context, client *apiClient, args []string) int {
	fs := flag.NewFlagSet("task retry", flag.ContinueOnError)
	reset := fs.Bool("reset", false, "zero the attempt counter (revives dead tasks)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: relayq task retry [--reset] <id>")
		return 2
	}
	path := "/tasks/" + url.PathEscape(fs.Arg(0)) + "/retry"
	if *reset {
		path += "?reset=true"
	}
	return client.call(ctx, http.MethodPost, path, "")
}

type apiClient struct {
	base string
	key  string
}

// call performs one API request and prints the JSON response to stdout. The
// exit code is 0 only for 2xx responses.
func (c *apiClient) call(ctx context.Context, method, path, body string) int {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.base+path, reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", method, path, err)
		return 1
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(out)
	if len(out) == 0 || out[len(out)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 1
	}
	return 0
}

// baseURL normalizes the configured bind address into an http URL.
func baseURL(cfg config.Config) string {
	addr := strings.TrimSpace(cfg.BindAddr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}
