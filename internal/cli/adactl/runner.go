package adactl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Options struct {
	BaseURL      string
	Token        string
	TenantID     string
	Timeout      time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
	Stdout       io.Writer
	Stderr       io.Writer
}

type invocation struct {
	client       *http.Client
	baseURL      string
	token        string
	pollInterval time.Duration
	stdout       io.Writer
	stderr       io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("adactl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "Ada API base URL")
	token := fs.String("token", defaults.Token, "bearer token for authenticated requests")
	tenantID := fs.String("tenant-id", defaults.TenantID, "tenant id sent in request bodies")
	category := fs.String("category", "", "question category")
	threadID := fs.String("thread-id", "", "chat thread id")
	chat := fs.String("chat", "", "thread transcript for threads save|update")
	wait := fs.Bool("wait", false, "poll submitted tasks until they finish")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")
	interval := fs.Duration("poll-interval", durationOr(defaults.PollInterval, time.Second), "interval between polls")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	inv := invocation{
		client:       client,
		baseURL:      strings.TrimRight(*baseURL, "/"),
		token:        strings.TrimSpace(*token),
		pollInterval: *interval,
		stdout:       stdout,
		stderr:       stderr,
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	switch command {
	case "health":
		return inv.call(ctx, http.MethodGet, "/health", nil)
	case "ready":
		return inv.call(ctx, http.MethodGet, "/v1/ready", nil)
	case "ask", "sql":
		if len(rest) == 0 {
			_, _ = fmt.Fprintf(stderr, "%s requires a question\n", command)
			return 2
		}
		question := strings.Join(rest, " ")
		path, body := "/v1/ada", map[string]any{
			"query":     question,
			"tenant_id": *tenantID,
			"category":  *category,
			"thread_id": *threadID,
		}
		if command == "sql" {
			path, body = "/v1/text2sql", map[string]any{
				"user_query": question,
				"tenant_id":  *tenantID,
				"category":   *category,
			}
		}
		if !*wait {
			return inv.call(ctx, http.MethodPost, path, body)
		}
		code, raw, ok := inv.request(ctx, http.MethodPost, path, body)
		if !ok {
			return code
		}
		var submitted struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(raw, &submitted); err != nil || submitted.TaskID == "" {
			_, _ = fmt.Fprintf(stderr, "unexpected submit response: %s\n", strings.TrimSpace(string(raw)))
			return 1
		}
		return inv.waitFor(ctx, path+"/"+submitted.TaskID)
	case "poll":
		if len(rest) != 2 || (rest[0] != "ada" && rest[0] != "text2sql") {
			_, _ = fmt.Fprintln(stderr, "poll requires <ada|text2sql> <task_id>")
			return 2
		}
		path := "/v1/" + rest[0] + "/" + rest[1]
		if *wait {
			return inv.waitFor(ctx, path)
		}
		return inv.call(ctx, http.MethodGet, path, nil)
	case "threads":
		if len(rest) < 1 {
			_, _ = fmt.Fprintln(stderr, "threads requires an operation: save|list|get|update|delete")
			return 2
		}
		body := map[string]any{"tenant_id": *tenantID, "category": *category, "thread_id": *threadID}
		if *chat != "" {
			body["chat"] = *chat
		}
		return inv.call(ctx, http.MethodPost, "/v1/ada/threads/"+rest[0], body)
	case "suggest":
		return inv.call(ctx, http.MethodPost, "/v1/recommendation", map[string]any{
			"tenant_id":          *tenantID,
			"category":           *category,
			"previous_questions": rest,
		})
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

// call performs one request and prints the response body.
func (inv invocation) call(ctx context.Context, method, path string, body any) int {
	code, raw, ok := inv.request(ctx, method, path, body)
	if !ok {
		return code
	}
	inv.print(raw)
	return 0
}

// waitFor polls path until the task leaves the pending and started states.
// A failed task exits with 1.
func (inv invocation) waitFor(ctx context.Context, path string) int {
	for {
		code, raw, ok := inv.request(ctx, http.MethodGet, path, nil)
		if !ok {
			return code
		}
		var poll struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(raw, &poll); err != nil {
			_, _ = fmt.Fprintf(inv.stderr, "unexpected poll response: %s\n", strings.TrimSpace(string(raw)))
			return 1
		}
		switch poll.Status {
		case "success":
			inv.print(raw)
			return 0
		case "failure":
			inv.print(raw)
			return 1
		}
		select {
		case <-ctx.Done():
			_, _ = fmt.Fprintf(inv.stderr, "wait cancelled: %v\n", ctx.Err())
			return 1
		case <-time.After(inv.pollInterval):
		}
	}
}

func (inv invocation) request(ctx context.Context, method, path string, body any) (int, []byte, bool) {
	code, raw, err := doRequest(ctx, inv.client, method, inv.baseURL+path, inv.token, body)
	if err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "request failed: %v\n", err)
		return 1, nil, false
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(inv.stderr, "http %d: %s\n", code, strings.TrimSpace(string(raw)))
		return 1, nil, false
	}
	return 0, raw, true
}

func (inv invocation) print(raw []byte) {
	if pretty, ok := prettyJSON(raw); ok {
		_, _ = fmt.Fprintln(inv.stdout, pretty)
		return
	}
	if len(raw) > 0 {
		_, _ = fmt.Fprintln(inv.stdout, string(raw))
	}
}

func doRequest(ctx context.Context, client *http.Client, method, url, token string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: adactl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                         GET /health")
	_, _ = fmt.Fprintln(w, "  ready                          GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  ask <question>                 POST /v1/ada")
	_, _ = fmt.Fprintln(w, "  sql <question>                 POST /v1/text2sql")
	_, _ = fmt.Fprintln(w, "  poll <ada|text2sql> <task_id>  GET the task status")
	_, _ = fmt.Fprintln(w, "  threads <op>                   POST /v1/ada/threads/<op>")
	_, _ = fmt.Fprintln(w, "  suggest [previous questions]   POST /v1/recommendation")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
