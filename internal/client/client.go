// ============================================================================
// Meeseeks Client - Request Facade
// ============================================================================
//
// Package: internal/client
// Purpose: Talk to any box over the request protocol
//
// A Client wraps a single peer link in client mode (no local node name).
// Request-level calls (Submit, Query, Kill, Ls, Nodes, Pools) go straight
// over the framed channel. With Refresh > 0 the client also runs a local
// state mirror kept in sync by the link, which backs the job-handle facade
// and the notifier without a network round trip per poll.
//
// There is no process-wide singleton: callers construct a Client and pass
// it where needed.
//
// ============================================================================

package client

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meeseeks-io/meeseeks/internal/peer"
	"github.com/meeseeks-io/meeseeks/internal/state"
	"github.com/meeseeks-io/meeseeks/pkg/types"
)

var ErrEmptyResponse = errors.New("empty response from box")

// Config holds client connection settings.
type Config struct {
	Address string
	Port    int
	Timeout int
	Refresh int // >0 starts the local state mirror sync loop
	Poll    int
	Expire  int // mirror expiry, seconds
	SSL     *peer.TLSConfig
}

// Client connects to one box and manages requests and an optional local
// state mirror.
type Client struct {
	st   *state.State
	link *peer.Link
	log  *slog.Logger

	mirrored bool

	notifyMu sync.Mutex
	notifier *notifier
}

// New creates a client for the box at cfg.Address.
func New(cfg Config) *Client {
	expire := cfg.Expire
	if expire == 0 {
		expire = 60
	}
	st := state.New("", state.Config{
		Expire:           expire,
		ExpireActiveJobs: false,
	}, nil)
	link := peer.New("", "", st, peer.Config{
		Address: cfg.Address,
		Port:    cfg.Port,
		Timeout: cfg.Timeout,
		Refresh: cfg.Refresh,
		Poll:    cfg.Poll,
		SSL:     cfg.SSL,
	})
	c := &Client{
		st:   st,
		link: link,
		log:  slog.Default().With("component", "client."+cfg.Address),
	}
	if cfg.Refresh > 0 {
		c.mirrored = true
		st.Start()
		link.Start()
	}
	return c
}

// State returns the local mirror (empty unless Refresh > 0).
func (c *Client) State() *state.State { return c.st }

// Close disconnects and stops the mirror.
func (c *Client) Close() {
	c.notifyMu.Lock()
	if c.notifier != nil {
		c.notifier.stop()
		c.notifier = nil
	}
	c.notifyMu.Unlock()
	if c.mirrored {
		c.link.Stop()
		c.st.Stop()
	} else {
		c.link.Close()
	}
}

// Request sends one raw envelope and returns the raw response envelope.
func (c *Client) Request(req map[string]any) (types.Request, error) {
	resps, err := c.link.Request([]any{req})
	if err != nil {
		return nil, err
	}
	if len(resps) == 0 {
		return nil, ErrEmptyResponse
	}
	return resps[0], nil
}

func (c *Client) call(key string, val any) (json.RawMessage, error) {
	resp, err := c.Request(map[string]any{key: val})
	if err != nil {
		return nil, err
	}
	raw, ok := resp[key]
	if !ok {
		return nil, ErrEmptyResponse
	}
	return raw, nil
}

// Submit sends a job spec; the result maps each affected id to its job, or
// nil where the box reported false.
func (c *Client) Submit(spec *types.JobSpec) (map[string]*types.Job, error) {
	raw, err := c.call("submit", spec)
	if err != nil {
		return nil, err
	}
	return parseJobsOrFalse(raw)
}

// Query returns the jobs matching a filter on the remote box.
func (c *Client) Query(q types.Query) (map[string]*types.Job, error) {
	raw, err := c.call("get", q)
	if err != nil {
		return nil, err
	}
	jobs := map[string]*types.Job{}
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Job fetches a single job, nil when unknown.
func (c *Client) Job(id string) (*types.Job, error) {
	raw, err := c.call("job", id)
	if err != nil {
		return nil, err
	}
	var j *types.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	return j, nil
}

// Kill kills by id list or filter; the result maps attempted ids to jobs.
func (c *Client) Kill(arg any) (map[string]*types.Job, error) {
	raw, err := c.call("kill", arg)
	if err != nil {
		return nil, err
	}
	return parseJobsOrFalse(raw)
}

// Ls lists job ids matching a filter.
func (c *Client) Ls(q types.Query) ([]string, error) {
	raw, err := c.call("ls", q)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Nodes returns the remote's node status map.
func (c *Client) Nodes() (map[string]*types.NodeStatus, error) {
	raw, err := c.call("nodes", map[string]any{})
	if err != nil {
		return nil, err
	}
	nodes := map[string]*types.NodeStatus{}
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Pools returns the remote's pool status map.
func (c *Client) Pools() (types.PoolStatus, error) {
	raw, err := c.call("pools", map[string]any{})
	if err != nil {
		return nil, err
	}
	pools := types.PoolStatus{}
	if err := json.Unmarshal(raw, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

// Config applies a config delta (may be empty) and returns the box's
// active config.
func (c *Client) Config(delta map[string]any) (map[string]any, error) {
	if delta == nil {
		delta = map[string]any{}
	}
	raw, err := c.call("config", delta)
	if err != nil {
		return nil, err
	}
	cfg := map[string]any{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// jobs fetches the given ids, through the mirror when it runs.
func (c *Client) jobs(ids []string) (map[string]*types.Job, error) {
	if c.mirrored {
		return c.st.Get(types.Query{IDs: ids}), nil
	}
	return c.Query(types.Query{IDs: ids})
}

func parseJobsOrFalse(raw json.RawMessage) (map[string]*types.Job, error) {
	entries := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	out := make(map[string]*types.Job, len(entries))
	for id, e := range entries {
		var ok bool
		if err := json.Unmarshal(e, &ok); err == nil {
			// boolean false: invalid submission
			out[id] = nil
			continue
		}
		j := &types.Job{}
		if err := json.Unmarshal(e, j); err != nil {
			return nil, err
		}
		out[id] = j
	}
	return out, nil
}

// ============================================================================
// Notifier
// ============================================================================

// notifier runs callbacks when tracked handles reach a terminal state.
type notifier struct {
	c  *Client
	mu sync.Mutex

	handles []*Handle
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

func (c *Client) addNotify(h *Handle) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.notifier == nil {
		c.notifier = &notifier{
			c:      c,
			stopCh: make(chan struct{}),
			doneCh: make(chan struct{}),
		}
		go c.notifier.run()
	}
	n := c.notifier
	n.mu.Lock()
	n.handles = append(n.handles, h)
	n.mu.Unlock()
}

func (n *notifier) stop() {
	n.once.Do(func() { close(n.stopCh) })
	<-n.doneCh
}

func (n *notifier) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			close(n.doneCh)
			return
		case <-ticker.C:
			n.check()
		}
	}
}

func (n *notifier) check() {
	n.mu.Lock()
	handles := append([]*Handle(nil), n.handles...)
	n.mu.Unlock()

	var alive []*Handle
	for _, h := range handles {
		h.fireNotifications()
		if h.Alive() {
			alive = append(alive, h)
		}
	}
	n.mu.Lock()
	n.handles = alive
	n.mu.Unlock()
}
