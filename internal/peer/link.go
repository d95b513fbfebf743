// ============================================================================
// Meeseeks PeerLink - Peer Sync Connection
// ============================================================================
//
// Package: internal/peer
// Purpose: Maintain an eventually-consistent view of one remote box
//
// Each link owns one TCP (optionally TLS) connection. The sync loop runs a
// pull-with-push exchange every refresh period: it pushes jobs updated
// since local_seq that the remote can route, pulls jobs the remote has seen
// since remote_seq, and merges the result into the local state with
// last-writer-wins by timestamp. Every poll'th exchange also requests the
// remote's node status map.
//
// Direct requests from the client and the box share the same framed channel
// under one mutex, so request envelopes are never interleaved with the sync
// exchange. On any transport or parse error the socket closes; the next
// tick reconnects and both sequence marks reset to zero, which re-sends the
// full table.
//
// ============================================================================

package peer

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/meeseeks-io/meeseeks/internal/state"
	"github.com/meeseeks-io/meeseeks/pkg/types"
)

// Config holds the settings for one peer link.
type Config struct {
	Address string     // remote address; defaults to the remote node name
	Port    int        // remote port; defaults to 13700
	Timeout int        // socket timeout, seconds
	Refresh int        // sync period, seconds
	Poll    int        // request node status every N refreshes
	SSL     *TLSConfig // optional transport TLS
}

func (c *Config) defaults(remote string) {
	if c.Address == "" {
		c.Address = remote
	}
	if c.Port == 0 {
		c.Port = types.DefaultPort
	}
	if c.Timeout == 0 {
		c.Timeout = 10
	}
	if c.Refresh == 0 {
		c.Refresh = 1
	}
	if c.Poll == 0 {
		c.Poll = 10
	}
}

// Link maintains the sync relationship with a single remote box. A link
// with an empty local node name is a client link: it pushes every local
// update and sees unrouted jobs.
type Link struct {
	node   string
	remote string
	st     *state.State
	log    *slog.Logger

	mu         sync.Mutex // serializes connection use and request framing
	conn       net.Conn
	br         *bufio.Reader
	dialFailed bool

	cfg Config

	localSeq  uint64
	remoteSeq uint64
	pollCount int

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a link from the local box (node; "" for clients) to a remote
// box.
func New(node, remote string, st *state.State, cfg Config) *Link {
	cfg.defaults(remote)
	name := "peer." + cfg.Address
	if node != "" {
		name = node + ".peer." + remote
	}
	return &Link{
		node:   node,
		remote: remote,
		st:     st,
		log:    slog.Default().With("component", name),
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Configure applies new link settings; takes effect on the next exchange.
func (l *Link) Configure(cfg Config) {
	cfg.defaults(l.remote)
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// Start launches the sync loop.
func (l *Link) Start() {
	go l.run()
}

// Stop stops the loop and closes the connection.
func (l *Link) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

// Close drops the connection without stopping the loop; the next tick
// reconnects and full-syncs. Used by clients that never start the loop.
func (l *Link) Close() {
	l.mu.Lock()
	l.closeLocked()
	l.mu.Unlock()
}

func (l *Link) connectLocked() error {
	if l.conn != nil {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", l.cfg.Address, l.cfg.Port)
	d := net.Dialer{Timeout: time.Duration(l.cfg.Timeout) * time.Second}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		if !l.dialFailed {
			l.log.Warn("connect failed", "address", addr, "error", err)
			l.dialFailed = true
		}
		return err
	}
	if l.cfg.SSL != nil {
		conf, terr := l.cfg.SSL.ClientConfig(l.cfg.Address)
		if terr != nil {
			conn.Close()
			return terr
		}
		conn = tls.Client(conn, conf)
	}
	l.conn = conn
	l.br = bufio.NewReader(conn)
	l.dialFailed = false
	l.log.Info("connected", "address", addr)
	return nil
}

func (l *Link) closeLocked() {
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
		l.br = nil
		l.log.Info("disconnected")
	}
}

// Request sends one envelope batch and returns the response batch. The
// connection is dialed on demand and closed on any error so the next call
// starts clean.
func (l *Link) Request(reqs []any) ([]types.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.connectLocked(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(reqs)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(time.Duration(l.cfg.Timeout) * time.Second)
	l.conn.SetDeadline(deadline)
	if _, err := l.conn.Write(append(payload, '\n')); err != nil {
		l.log.Warn("request write failed", "error", err)
		l.closeLocked()
		return nil, err
	}
	line, err := l.br.ReadBytes('\n')
	if err != nil {
		l.log.Warn("request read failed", "error", err)
		l.closeLocked()
		return nil, err
	}
	var resp []types.Request
	if err := json.Unmarshal(line, &resp); err != nil {
		l.log.Warn("response parse failed", "error", err)
		l.closeLocked()
		return nil, err
	}
	return resp, nil
}

func (l *Link) run() {
	l.log.Info("started")
	ticker := time.NewTicker(time.Duration(l.cfg.Refresh) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			l.Close()
			close(l.doneCh)
			return
		case <-ticker.C:
			l.exchange()
		}
	}
}

// exchange runs one sync round with the remote box.
func (l *Link) exchange() {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("sync loop panic", "error", r)
		}
	}()

	l.mu.Lock()
	connected := l.conn != nil
	poll := l.cfg.Poll
	l.mu.Unlock()
	if !connected {
		// full sync after (re)connect
		l.localSeq, l.remoteSeq, l.pollCount = 0, 0, 0
	}

	// push everything updated since the last exchange; a named box only
	// pushes jobs the remote advertises a route for
	jobs := l.st.Get(types.Query{Seq: l.localSeq, HasSeq: true})
	sync := jobs
	if l.node != "" {
		routing := map[string]bool{}
		if st := l.st.GetNodes()[l.remote]; st != nil {
			for _, n := range st.Routing {
				routing[n] = true
			}
		}
		sync = map[string]*types.Job{}
		for id, j := range jobs {
			if routing[j.Node] {
				sync[id] = j
			}
		}
	}
	for _, j := range sync {
		if j.Seq > l.localSeq {
			l.localSeq = j.Seq
		}
	}

	req := map[string]any{
		"sync": sync,
		"get":  map[string]any{"seq": l.remoteSeq},
	}
	if l.pollCount == 0 {
		req["nodes"] = map[string]any{}
	}
	l.pollCount = (l.pollCount + 1) % poll

	resps, err := l.Request([]any{req})
	if err != nil || len(resps) == 0 {
		return
	}
	resp := resps[0]

	var got map[string]*types.Job
	if raw, ok := resp["get"]; ok {
		if err := json.Unmarshal(raw, &got); err != nil {
			l.log.Warn("sync parse failed", "error", err)
			l.Close()
			return
		}
	}
	var status map[string]*types.NodeStatus
	if raw, ok := resp["nodes"]; ok {
		if err := json.Unmarshal(raw, &status); err != nil {
			l.log.Warn("status parse failed", "error", err)
			l.Close()
			return
		}
	}
	for _, j := range got {
		if j.Seq > l.remoteSeq {
			l.remoteSeq = j.Seq
		}
	}
	updated := l.st.Sync(got, status)
	l.log.Debug("exchange", "sent", len(sync), "updated", len(updated),
		"local_seq", l.localSeq, "remote_seq", l.remoteSeq)
}
