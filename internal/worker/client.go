// Package worker implements the robot-side agent: one connection to the
// hub, a handler per incoming message type, a reporting API for the local
// executor, and heartbeat/reconnect loops.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"flowhub/internal/protocol"
	"flowhub/pkg/logx"
)

var (
	ErrNotConnected = errors.New("worker: not connected")
	ErrUnknownJob   = errors.New("worker: job not in active set")
)

// Config identifies the robot and tunes its connection behavior.
type Config struct {
	RobotID           string
	RobotName         string
	Environment       string
	Tags              []string
	MaxConcurrentJobs int

	HubAddr string
	Token   string

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	// ReconnectInterval is a fixed wait between attempts; no backoff.
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int // 0 = unlimited

	// LogRatePerSec bounds outbound LOG_ENTRY traffic. Excess entries are
	// dropped locally rather than flooding the hub.
	LogRatePerSec int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 3 * time.Second
	}
	if c.LogRatePerSec <= 0 {
		c.LogRatePerSec = 20
	}
	return c
}

// Assignment is the worker's local view of one accepted job. It is a cache
// for bookkeeping (duration computation, capacity checks); the hub's queue
// stays authoritative.
type Assignment struct {
	JobID        string
	WorkflowID   string
	WorkflowName string
	WorkflowJSON json.RawMessage
	Parameters   map[string]any
	StartedAt    time.Time
}

// Callbacks connect the client to its local collaborators. All callbacks
// are invoked from the client's goroutines and must not block for long;
// job execution belongs in the executor, not the callback.
type Callbacks struct {
	OnJobReceived  func(a Assignment)
	OnJobCancel    func(jobID, reason string)
	OnDisconnected func(reason string)
}

// Client owns one hub connection and the robot's local job cache.
type Client struct {
	cfg Config
	log logx.Logger
	cb  Callbacks

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	paused    bool
	running   bool
	active    map[string]Assignment

	// heartbeatInterval may be replaced by server-pushed config.
	heartbeatInterval time.Duration
	reconnects        int

	writeMu sync.Mutex
	logLim  *rate.Limiter
}

func New(cfg Config, log logx.Logger, cb Callbacks) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:               cfg,
		log:               log.With(logx.String("robot_id", cfg.RobotID)),
		cb:                cb,
		active:            map[string]Assignment{},
		heartbeatInterval: cfg.HeartbeatInterval,
		logLim:            rate.NewLimiter(rate.Limit(cfg.LogRatePerSec), cfg.LogRatePerSec),
	}
}

// ---- Derived properties ----

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Client) ActiveJobCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// IsAvailable reports whether the robot can accept another assignment.
func (c *Client) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.paused && len(c.active) < c.cfg.MaxConcurrentJobs
}

// ActiveJobIDs returns the ids the robot currently believes it is executing.
func (c *Client) ActiveJobIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// Reconnects returns how many reconnect attempts have been made since the
// last successful handshake.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// ---- Connection lifecycle ----

// Run connects and serves until ctx is done, the reconnect budget is
// exhausted, or Disconnect ends the session (hub-commanded shutdown, local
// Stop). Link loss drives the reconnect loop: a fixed wait between
// attempts, counted until MaxReconnectAttempts (0 disables the cap).
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			c.Disconnect("shutting down")
			return ctx.Err()
		}

		err := c.Connect(ctx)
		if err == nil {
			c.serve(ctx)
			if ctx.Err() != nil {
				c.Disconnect("shutting down")
				return ctx.Err()
			}
			// Disconnect clears running: a deliberate stop ends the
			// session instead of feeding the retry path.
			if !c.isRunning() {
				return nil
			}
			c.closeLink("link lost")
		}

		c.mu.Lock()
		c.reconnects++
		attempts := c.reconnects
		c.mu.Unlock()

		if err != nil {
			c.log.Warn("hub connection failed",
				logx.Err(err),
				logx.Int("attempt", attempts),
				logx.Duration("retry_in", c.cfg.ReconnectInterval))
		}
		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			return fmt.Errorf("worker: gave up after %d reconnect attempts", attempts)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// Connect performs one dial + register handshake.
func (c *Client) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.HubAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.HubAddr, err)
	}

	reg := protocol.Register(protocol.RegisterPayload{
		RobotID:           c.cfg.RobotID,
		RobotName:         c.cfg.RobotName,
		Environment:       c.cfg.Environment,
		Tags:              c.cfg.Tags,
		MaxConcurrentJobs: c.cfg.MaxConcurrentJobs,
		Token:             c.cfg.Token,
	})
	if err := protocol.WriteMessage(conn, reg); err != nil {
		_ = conn.Close()
		return err
	}

	// The hub answers the handshake before anything else.
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	m, err := protocol.ReadMessage(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("register handshake: %w", err)
	}
	if m.Type != protocol.TypeRegisterAck {
		_ = conn.Close()
		return fmt.Errorf("register handshake: unexpected %s", m.Type)
	}
	var ack protocol.RegisterAckPayload
	if err := m.Decode(&ack); err != nil {
		_ = conn.Close()
		return err
	}
	if !ack.Success {
		_ = conn.Close()
		return fmt.Errorf("registration rejected: %s", ack.Message)
	}

	hb := c.cfg.HeartbeatInterval
	if ack.Config.HeartbeatInterval != "" {
		if d, perr := time.ParseDuration(ack.Config.HeartbeatInterval); perr == nil && d > 0 {
			hb = d
		} else {
			c.log.Warn("ignoring bad server heartbeat interval",
				logx.String("raw", ack.Config.HeartbeatInterval))
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	// A fresh registration starts a fresh session: a pause inherited from
	// the previous hub (graceful shutdown sets it) must not survive the
	// reconnect, or the whole fleet re-registers rejecting assignments.
	c.paused = false
	c.reconnects = 0
	c.heartbeatInterval = hb
	c.mu.Unlock()

	c.log.Info("registered with hub",
		logx.String("hub", c.cfg.HubAddr),
		logx.Duration("heartbeat", hb))
	return nil
}

// serve runs the read loop and the heartbeat loop until either stops.
func (c *Client) serve(ctx context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readLoop(sctx)
	}()
	go c.heartbeatLoop(sctx)

	select {
	case <-done:
	case <-sctx.Done():
	}
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		m, err := protocol.ReadMessage(conn)
		if err != nil {
			if ctx.Err() == nil && c.IsConnected() {
				c.log.Warn("hub link read failed", logx.Err(err))
			}
			return
		}
		c.handle(ctx, m)
		c.mu.Lock()
		stillConnected := c.connected
		c.mu.Unlock()
		if !stillConnected {
			return
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	c.mu.Lock()
	interval := c.heartbeatInterval
	c.mu.Unlock()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !c.IsConnected() {
				return
			}
			if err := c.send(protocol.Heartbeat(c.cfg.RobotID, c.heartbeatStatus())); err != nil {
				return
			}
		}
	}
}

func (c *Client) heartbeatStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.paused:
		return protocol.HeartbeatPaused
	case len(c.active) >= c.cfg.MaxConcurrentJobs:
		return protocol.HeartbeatBusy
	default:
		return protocol.HeartbeatOnline
	}
}

// Disconnect deliberately ends the session: it sends a DISCONNECT notice if
// the link is still up, closes the transport, and clears both connected and
// running, so Run terminates instead of redialing. It never touches active
// jobs: re-sync after reconnect is the hub's reconciliation problem.
func (c *Client) Disconnect(reason string) {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.closeLink(reason)
}

func (c *Client) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// closeLink tears down the transport and fires the disconnected callback
// without ending the session; the reconnect loop stays live.
func (c *Client) closeLink(reason string) {
	c.mu.Lock()
	conn := c.conn
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if wasConnected {
		c.writeMu.Lock()
		_ = protocol.WriteMessage(conn, protocol.Disconnect(c.cfg.RobotID, reason))
		c.writeMu.Unlock()
	}
	_ = conn.Close()

	c.log.Info("disconnected from hub", logx.String("reason", reason))
	if c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected(reason)
	}
}

// send writes one message on the shared connection. Transport failures are
// returned to the caller; the read loop notices the dead link and the
// reconnect loop takes over.
func (c *Client) send(m protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteMessage(conn, m); err != nil {
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	return nil
}
