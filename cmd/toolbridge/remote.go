package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/mattjoyce/toolbridge/internal/api"
	"github.com/mattjoyce/toolbridge/internal/app"
	"github.com/mattjoyce/toolbridge/internal/lock"
	"github.com/mattjoyce/toolbridge/internal/tui/watch"
)

const (
	defaultAPIURL = "http://127.0.0.1:8090"
	tokenEnv      = "TOOLBRIDGE_API_TOKEN"
)

// remoteFlags are shared by commands that talk to a running router.
type remoteFlags struct {
	configPath string
	apiURL     string
	token      string
}

func (f *remoteFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to configuration (used for API address and token defaults)")
	fs.StringVar(&f.apiURL, "api-url", "", "Router API URL")
	fs.StringVar(&f.token, "token", os.Getenv(tokenEnv), "API bearer token (or "+tokenEnv+")")
}

// client fills unset flags from the config when one can be loaded.
func (f *remoteFlags) client() *apiClient {
	baseURL, token := f.apiURL, f.token
	if baseURL == "" || token == "" {
		if cfg, err := loadConfig(f.configPath); err == nil {
			if baseURL == "" && cfg.API.Listen != "" {
				baseURL = listenURL(cfg.API.Listen)
			}
			if token == "" {
				token = cfg.API.Token
			}
		}
	}
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

// listenURL turns a listen address into a dialable URL.
func listenURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// apiStatusError is a non-2xx reply.
type apiStatusError struct {
	Status int
	Body   string
}

func (e *apiStatusError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// do sends body as JSON when non-nil and decodes a 2xx reply into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return &apiStatusError{Status: resp.StatusCode, Body: e.Error}
		}
		return &apiStatusError{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// --- system status ---

type statusReport struct {
	Config   string               `json:"config"`
	LockPath string               `json:"lock_path"`
	Running  bool                 `json:"running"`
	PID      int                  `json:"pid,omitempty"`
	API      string               `json:"api,omitempty"`
	Health   *api.HealthzResponse `json:"health,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	var rf remoteFlags
	rf.register(fs)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(rf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	report := statusReport{Config: cfg.Path, LockPath: pidLockPath(cfg)}
	held, err := lock.Held(report.LockPath)
	if err != nil {
		report.Error = fmt.Sprintf("check lock: %v", err)
	}
	report.Running = held
	if held {
		if pid, err := lock.ReadPID(report.LockPath); err == nil {
			report.PID = pid
		}
	}

	if held && cfg.API.Enabled {
		c := rf.client()
		report.API = c.baseURL
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		var h api.HealthzResponse
		if err := c.do(ctx, http.MethodGet, "/healthz", nil, &h); err != nil {
			report.Error = fmt.Sprintf("health check: %v", err)
		} else {
			report.Health = &h
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		printStatus(report)
	}

	if !report.Running || report.Error != "" {
		return 1
	}
	if report.Health != nil && report.Health.Status != "ok" {
		return 1
	}
	return 0
}

func printStatus(r statusReport) {
	fmt.Printf("Config:   %s\n", r.Config)
	fmt.Printf("Lock:     %s\n", r.LockPath)
	if !r.Running {
		fmt.Println("Status:   not running")
		return
	}
	fmt.Printf("Status:   running (pid %d)\n", r.PID)
	if r.Health != nil {
		fmt.Printf("API:      %s (%s)\n", r.API, r.Health.Status)
		fmt.Printf("Uptime:   %s\n", time.Duration(r.Health.UptimeSeconds)*time.Second)
		fmt.Printf("Workers:  %d total, %d running, %d ready, %d down\n",
			r.Health.Workers, r.Health.WorkersRunning, r.Health.WorkersReady, r.Health.WorkersDown)
	}
	if r.Error != "" {
		fmt.Printf("Error:    %s\n", r.Error)
	}
}

// --- system watch ---

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var rf remoteFlags
	rf.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	c := rf.client()
	p := tea.NewProgram(watch.New(c.baseURL, c.token))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- worker list|show|reset ---

func runWorkerList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	var rf remoteFlags
	rf.register(fs)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var workers []app.WorkerStatus
	if err := rf.client().do(ctx, http.MethodGet, "/v1/workers", nil, &workers); err != nil {
		fmt.Fprintf(os.Stderr, "List workers failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(workers, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	printWorkers(os.Stdout, workers)
	return 0
}

func printWorkers(out io.Writer, workers []app.WorkerStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tHEALTH\tPID\tCONNS\tREQUESTS\tFAILURES\tAVG_MS\tRESTARTS\tCAPABILITIES")
	for _, ws := range workers {
		state := string(ws.State)
		if ws.PermanentlyFailed {
			state += " (failed)"
		}
		pid := "-"
		if ws.PID > 0 {
			pid = fmt.Sprintf("%d", ws.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\t%.1f\t%d\t%s\n",
			ws.ID, state, ws.Health, pid,
			ws.Pool.InUse, ws.Pool.Max,
			ws.Metrics.RequestsTotal, ws.Metrics.FailuresTotal, ws.Metrics.AvgLatencyMs,
			ws.Restarts, strings.Join(ws.Capabilities, ","))
	}
	_ = w.Flush()
}

func runWorkerShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	var rf remoteFlags
	rf.register(fs)
	id, rest := splitLeadingArg(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" && fs.NArg() == 1 {
		id = fs.Arg(0)
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: toolbridge worker show <id> [--api-url URL] [--token TOKEN]")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var ws app.WorkerStatus
	if err := rf.client().do(ctx, http.MethodGet, "/v1/workers/"+id, nil, &ws); err != nil {
		fmt.Fprintf(os.Stderr, "Show worker failed: %v\n", err)
		return 1
	}
	data, _ := json.MarshalIndent(ws, "", "  ")
	fmt.Println(string(data))
	return 0
}

func runWorkerReset(args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	var rf remoteFlags
	rf.register(fs)
	id, rest := splitLeadingArg(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" && fs.NArg() == 1 {
		id = fs.Arg(0)
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: toolbridge worker reset <id> [--api-url URL] [--token TOKEN]")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rf.client().do(ctx, http.MethodPost, "/v1/workers/"+id+"/reset", nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Reset worker failed: %v\n", err)
		return 1
	}
	fmt.Printf("Reset worker %s\n", id)
	return 0
}

// splitLeadingArg lets a positional argument precede flags.
func splitLeadingArg(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

// --- call ---

func runCall(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	var rf remoteFlags
	rf.register(fs)
	timeout := fs.Duration("timeout", 0, "Request timeout (0 uses the router default)")
	capability, rest := splitLeadingArg(args)
	payloadArg, rest := splitLeadingArg(rest)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if capability == "" {
		printCallHelp()
		return 1
	}

	payload, err := readPayload(payloadArg, os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid payload: %v\n", err)
		return 1
	}

	req := api.RouteRequest{
		RequestID:  uuid.NewString(),
		Capability: capability,
		Payload:    payload,
		TimeoutMs:  timeout.Milliseconds(),
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout+5*time.Second)
		defer cancel()
	}

	// Failures come back as non-2xx with a RouteResponse body.
	var resp api.RouteResponse
	err = rf.client().do(ctx, http.MethodPost, "/v1/route", req, &resp)
	var se *apiStatusError
	if errors.As(err, &se) {
		if json.Unmarshal([]byte(se.Body), &resp) != nil || resp.Status == "" {
			fmt.Fprintf(os.Stderr, "Call failed: %v\n", err)
			return 1
		}
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "Call failed: %v\n", err)
		return 1
	}

	data, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(data))
	if resp.Error != nil {
		return 1
	}
	return 0
}

// readPayload accepts inline JSON, "-" for stdin, or nothing for {}.
func readPayload(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch arg {
	case "":
		return json.RawMessage(`{}`), nil
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		data = b
	default:
		data = []byte(arg)
	}
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("not valid JSON")
	}
	return json.RawMessage(data), nil
}
