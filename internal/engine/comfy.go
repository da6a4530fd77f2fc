package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/flowqueue/pkg/types"
)

var log = slog.Default()

// Config locates the engine.
type Config struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"` // HTTP calls, not the execution
}

// Comfy drives a ComfyUI compatible engine: graphs are posted to /prompt and
// events are read from the /ws stream of this client.
type Comfy struct {
	base     *url.URL
	client   *http.Client
	dialer   *websocket.Dialer
	clientID string
}

// NewComfy creates an adapter with a fresh client id.
func NewComfy(cfg Config) (*Comfy, error) {
	raw := cfg.URL
	if raw == "" {
		raw = "http://127.0.0.1:8188"
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("engine: bad url %q: %w", raw, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("engine: unsupported scheme %q", base.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Comfy{
		base:     base,
		client:   &http.Client{Timeout: timeout},
		dialer:   &websocket.Dialer{HandshakeTimeout: timeout},
		clientID: uuid.NewString(),
	}, nil
}

// ClientID returns the id this adapter registers its event stream under.
func (c *Comfy) ClientID() string {
	return c.clientID
}

func (c *Comfy) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Comfy) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientID}}.Encode()
	return u.String()
}

// Execute implements Engine.
func (c *Comfy) Execute(ctx context.Context, promptID string, graph map[string]any, onEvent func(Event)) error {
	// Connect first so no event of this prompt is missed.
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("engine: connect event stream: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.submit(ctx, promptID, graph); err != nil {
		return err
	}
	log.Debug("Prompt submitted", "prompt_id", promptID, "client_id", c.clientID)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("engine: read events: %w", err)
		}
		if kind != websocket.TextMessage {
			continue // previews
		}
		ev, ok := decodeEvent(data)
		if !ok || ev.PromptID != promptID {
			continue
		}
		onEvent(ev)

		switch ev.Kind {
		case EventSuccess:
			return nil
		case EventError:
			return fmt.Errorf("%w: %s", ErrExecutionFailed, ev.Message)
		case EventInterrupted:
			return ErrInterrupted
		}
	}
}

func (c *Comfy) submit(ctx context.Context, promptID string, graph map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"prompt":    graph,
		"client_id": c.clientID,
		"prompt_id": promptID,
	})
	if err != nil {
		return fmt.Errorf("engine: encode prompt: %w", err)
	}
	resp, err := c.post(ctx, "/prompt", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: prompt rejected (%d): %s", ErrExecutionFailed, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

func (c *Comfy) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine: POST %s: %w", path, err)
	}
	return resp, nil
}

// Interrupt implements Engine.
func (c *Comfy) Interrupt(ctx context.Context) error {
	resp, err := c.post(ctx, "/interrupt", []byte("{}"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("engine: interrupt: status %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// Results
// ============================================================================

type historyFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Results implements Engine. Files are returned ordered by node id, then in
// the order the engine lists them.
func (c *Comfy) Results(ctx context.Context, promptID string) ([]types.ResultFile, error) {
	var history map[string]struct {
		Outputs map[string]map[string]json.RawMessage `json:"outputs"`
	}
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &history); err != nil {
		return nil, err
	}
	entry, ok := history[promptID]
	if !ok {
		return nil, fmt.Errorf("engine: no history for prompt %s", promptID)
	}

	nodes := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	var out []types.ResultFile
	for _, node := range nodes {
		lists := entry.Outputs[node]
		keys := make([]string, 0, len(lists))
		for k := range lists {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var refs []historyFile
			if json.Unmarshal(lists[k], &refs) != nil {
				continue // text outputs and other non-file lists
			}
			for _, ref := range refs {
				if ref.Filename == "" || ref.Type == "temp" {
					continue
				}
				f, err := c.download(ctx, ref)
				if err != nil {
					return out, err
				}
				out = append(out, f)
			}
		}
	}
	return out, nil
}

func (c *Comfy) download(ctx context.Context, ref historyFile) (types.ResultFile, error) {
	q := url.Values{"filename": {ref.Filename}, "subfolder": {ref.Subfolder}, "type": {ref.Type}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/view", q), nil)
	if err != nil {
		return types.ResultFile{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return types.ResultFile{}, fmt.Errorf("engine: download %s: %w", ref.Filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.ResultFile{}, fmt.Errorf("engine: download %s: status %d", ref.Filename, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.ResultFile{}, fmt.Errorf("engine: download %s: %w", ref.Filename, err)
	}
	return types.ResultFile{
		Name:        ref.Filename,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (c *Comfy) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, nil), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("engine: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine: GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// ============================================================================
// Event decoding
// ============================================================================

type wireMessage struct {
	Type string `json:"type"`
	Data struct {
		PromptID         string   `json:"prompt_id"`
		Node             *string  `json:"node"`
		NodeID           string   `json:"node_id"`
		Nodes            []string `json:"nodes"`
		Value            int      `json:"value"`
		Max              int      `json:"max"`
		ExceptionMessage string   `json:"exception_message"`
		ExceptionType    string   `json:"exception_type"`
	} `json:"data"`
}

// decodeEvent maps one websocket text frame to an Event. Frames of other
// types (status, executed, ...) are dropped.
func decodeEvent(raw []byte) (Event, bool) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, false
	}
	d := msg.Data
	ev := Event{Kind: EventKind(msg.Type), PromptID: d.PromptID}
	switch ev.Kind {
	case EventExecuting:
		// node == null marks the end of the queue item, execution_success follows.
		if d.Node == nil {
			return Event{}, false
		}
		ev.Node = *d.Node
	case EventProgress:
		if d.Node != nil {
			ev.Node = *d.Node
		}
		ev.Value, ev.Max = d.Value, d.Max
	case EventCached:
		ev.Nodes = d.Nodes
	case EventError:
		ev.Node = d.NodeID
		ev.Message = d.ExceptionMessage
		if ev.Message == "" {
			ev.Message = d.ExceptionType
		}
		if ev.Message == "" {
			ev.Message = "execution error"
		}
	case EventInterrupted, EventSuccess:
	default:
		return Event{}, false
	}
	return ev, true
}
