package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/toolbridge/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Workers        int    `json:"workers"`
	WorkersReady   int    `json:"workers_ready"`
	WorkersDown    int    `json:"workers_down"`
	WorkersRunning int    `json:"workers_running"`
}

// WorkerRow is the subset of GET /v1/workers the TUI renders.
type WorkerRow struct {
	ID                string   `json:"id"`
	State             string   `json:"state"`
	Health            string   `json:"health"`
	PID               int      `json:"pid"`
	PermanentlyFailed bool     `json:"permanently_failed"`
	Restarts          int      `json:"restarts"`
	LastError         string   `json:"last_error"`
	Capabilities      []string `json:"capabilities"`
	Pool              struct {
		InUse int `json:"in_use"`
		Idle  int `json:"idle"`
		Max   int `json:"max"`
	} `json:"pool"`
	Metrics struct {
		RequestsTotal int64   `json:"requests_total"`
		FailuresTotal int64   `json:"failures_total"`
		AvgLatencyMs  float64 `json:"avg_latency_ms"`
		Crashes       int64   `json:"crashes"`
	} `json:"metrics"`
}

type workersMsg []WorkerRow

type resetDoneMsg struct{ id string }

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// client talks to the toolbridge API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *client) do(method, path string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- Commands ---

// subscribeToEvents connects to the SSE endpoint and feeds events into ch.
// Returns sseDisconnectedMsg when the connection drops.
func (c *client) subscribeToEvents(ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/v1/events", nil)
		if err != nil {
			return errMsg(err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		// The stream is long-lived, so no client timeout here.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()

		parseSSE(bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

// parseSSE reads frames until the scanner ends.
func parseSSE(scanner *bufio.Scanner, ch chan<- events.Event) {
	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(cur.Data) > 0 {
				cur.At = time.Now()
				ch <- cur
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(line[6:])
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (c *client) fetchHealth() tea.Msg {
	var h healthMsg
	if err := c.do(http.MethodGet, "/healthz", &h); err != nil {
		return errMsg(err)
	}
	return h
}

func (c *client) fetchWorkers() tea.Msg {
	var rows []WorkerRow
	if err := c.do(http.MethodGet, "/v1/workers", &rows); err != nil {
		return errMsg(err)
	}
	return workersMsg(rows)
}

func (c *client) resetWorker(id string) tea.Cmd {
	return func() tea.Msg {
		if err := c.do(http.MethodPost, "/v1/workers/"+id+"/reset", nil); err != nil {
			return errMsg(err)
		}
		return resetDoneMsg{id: id}
	}
}
