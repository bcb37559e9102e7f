package hub

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ValueKind tags the payload type a resource carries. The hub wire format
// is untyped JSON; the descriptor decides how a push decodes.
type ValueKind int

const (
	KindBoolean ValueKind = iota
	KindNumeric
)

func (k ValueKind) wireType() string {
	if k == KindBoolean {
		return "boolean"
	}
	return "numeric"
}

type Value struct {
	Kind ValueKind
	Bool bool
	Num  float64
}

// Descriptor declares one externally controllable resource: where pushes
// arrive, where accepted values are echoed (empty for none), and how an
// accepted push is applied.
type Descriptor struct {
	Path     string
	EchoPath string
	Units    string
	Kind     ValueKind
	Apply    func(t time.Time, v Value) error
}

type ClientConfig struct {
	Addr string

	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	MaxLineBytes   int
}

// Client maintains a TCP session to the setpoint hub: it registers its
// resources on every (re)connect, consumes pushes, and echoes accepted
// values on the companion paths.
type Client struct {
	cfg       ClientConfig
	resources []Descriptor
	byPath    map[string]int

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	messages uint64
	rejects  uint64

	connMu sync.Mutex
	conn   net.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

type Snapshot struct {
	Addr        string `json:"addr"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Messages    uint64 `json:"messages"`
	Rejects     uint64 `json:"rejects"`
}

type wireMsg struct {
	Op        string          `json:"op"`
	Path      string          `json:"path,omitempty"`
	Type      string          `json:"type,omitempty"`
	Units     string          `json:"units,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

func NewClient(cfg ClientConfig, resources []Descriptor) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("hub client addr is required")
	}
	if len(resources) == 0 {
		return nil, fmt.Errorf("hub client needs at least one resource")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 64 * 1024
	}

	byPath := make(map[string]int, len(resources))
	for i, r := range resources {
		if r.Path == "" || r.Apply == nil {
			return nil, fmt.Errorf("hub resource %d needs a path and an apply func", i)
		}
		if _, dup := byPath[r.Path]; dup {
			return nil, fmt.Errorf("hub resource path %q registered twice", r.Path)
		}
		byPath[r.Path] = i
	}

	return &Client{
		cfg:       cfg,
		resources: resources,
		byPath:    byPath,
		state:     "stopped",
		done:      make(chan struct{}),
	}, nil
}

func (c *Client) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("hub client is nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("hub client is closed")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("hub client already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState("connecting", "")

	go func() {
		defer close(c.done)
		c.runLoop(runCtx)
	}()
	return nil
}

// Close unregisters the resources on the current session (best effort, the
// hub forgets them on disconnect anyway) and stops the loop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.closed.Swap(true) {
		return
	}
	for _, r := range c.resources {
		_ = c.writeMsg(wireMsg{Op: "unregister", Path: r.Path})
		if r.EchoPath != "" {
			_ = c.writeMsg(wireMsg{Op: "unregister", Path: r.EchoPath})
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.started.Load() {
		<-c.done
	}
}

func (c *Client) Snapshot(nowUTC time.Time) Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := Snapshot{
		Addr:      c.cfg.Addr,
		State:     c.state,
		LastError: c.lastErr,
		Messages:  c.messages,
		Rejects:   c.rejects,
	}
	if !c.lastSeen.IsZero() {
		out.LastSeenUTC = c.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (c *Client) runLoop(ctx context.Context) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	for {
		select {
		case <-ctx.Done():
			c.setState("stopped", "")
			return
		default:
		}

		c.setState("connecting", "")
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.setState("error", err.Error())
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.setState("stopped", "")
				return
			}
			continue
		}

		c.setConn(conn)
		if err := c.register(); err != nil {
			c.setConn(nil)
			_ = conn.Close()
			c.setState("error", "register: "+err.Error())
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.setState("stopped", "")
				return
			}
			continue
		}
		c.setState("connected", "")

		c.readSession(ctx, conn)
		c.setConn(nil)

		select {
		case <-ctx.Done():
			c.setState("stopped", "")
			return
		default:
		}
		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			c.setState("stopped", "")
			return
		}
	}
}

func (c *Client) readSession(ctx context.Context, conn net.Conn) {
	// Unblock the read when the context ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				c.setState("disconnected", "")
			} else {
				c.setState("disconnected", err.Error())
			}
			return
		}
		if len(line) > c.cfg.MaxLineBytes {
			c.setState("error", fmt.Sprintf("hub line too large (%d bytes)", len(line)))
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg wireMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			c.setState("error", "json parse: "+err.Error())
			continue
		}
		if msg.Op != "push" {
			continue
		}
		c.handlePush(msg)
	}
}

func (c *Client) register() error {
	for _, r := range c.resources {
		if err := c.writeMsg(wireMsg{Op: "register", Path: r.Path, Type: r.Kind.wireType(), Units: r.Units}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handlePush(msg wireMsg) {
	idx, ok := c.byPath[msg.Path]
	if !ok {
		// Pushes for paths we did not register are a hub-side mixup.
		log.Printf("hub: push for unknown path %q", msg.Path)
		return
	}
	r := &c.resources[idx]

	var v Value
	v.Kind = r.Kind
	switch r.Kind {
	case KindBoolean:
		if err := json.Unmarshal(msg.Value, &v.Bool); err != nil {
			c.setState("error", fmt.Sprintf("push %s: %v", msg.Path, err))
			return
		}
	case KindNumeric:
		if err := json.Unmarshal(msg.Value, &v.Num); err != nil {
			c.setState("error", fmt.Sprintf("push %s: %v", msg.Path, err))
			return
		}
	}

	ts := time.Now().UTC()
	if msg.Timestamp > 0 {
		ts = time.Unix(0, int64(msg.Timestamp*1e9)).UTC()
	}

	if err := r.Apply(ts, v); err != nil {
		// Rejected values are logged by the validator; they are never echoed.
		c.mu.Lock()
		c.rejects++
		c.lastErr = err.Error()
		c.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.messages++
	c.lastSeen = now
	c.mu.Unlock()

	if r.EchoPath != "" {
		echo := wireMsg{
			Op:        "push",
			Path:      r.EchoPath,
			Timestamp: float64(now.UnixNano()) / 1e9,
			Value:     msg.Value,
		}
		if err := c.writeMsg(echo); err != nil {
			c.setState("error", "echo: "+err.Error())
		}
	}
}

func (c *Client) writeMsg(msg wireMsg) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("hub: not connected")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = c.conn.Write(b)
	return err
}

func (c *Client) setConn(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) setState(state string, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else {
		// Clear stale errors on healthy/neutral states so status output
		// doesn't look broken after a transient startup failure.
		if state == "connected" || state == "connecting" || state == "stopped" {
			c.lastErr = ""
		}
	}
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
