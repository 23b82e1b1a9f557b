package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/haasonsaas/ensemble/internal/provider"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// Client runs tasks on remote agents and relays their SSE event streams.
// It satisfies the engine's RemoteCaller.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds an A2A client. httpClient may be nil.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, logger: logger.With("component", "a2a-client")}
}

// Run posts a task to the remote agent and streams back its canonical
// events. The returned channel closes when the remote turn ends.
func (c *Client) Run(ctx context.Context, endpoint, agentName, task string, messages []models.Message) (<-chan models.StreamEvent, error) {
	taskURL := strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(agentName)

	body, err := json.Marshal(TaskRequest{Task: task, RelevantMessages: messages})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, taskURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.Classify("a2a", 0, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, provider.Classify("a2a", resp.StatusCode,
			fmt.Errorf("remote agent %s: %s", agentName, strings.TrimSpace(string(msg))))
	}

	events := make(chan models.StreamEvent, 64)
	go c.pump(resp.Body, events)
	return events, nil
}

// pump parses "data: <json>" SSE frames into events.
func (c *Client) pump(body io.ReadCloser, events chan<- models.StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			c.logger.Warn("bad event frame", "error", err)
			continue
		}
		if ev.Type == models.EventStop && ev.Stop == models.StopError && ev.Err == nil {
			ev.Err = fmt.Errorf("%s", ev.ErrorMessage)
		}
		events <- ev
	}
	if err := scanner.Err(); err != nil {
		events <- models.StopErrorEvent(fmt.Errorf("remote stream interrupted: %w", err))
	}
}
