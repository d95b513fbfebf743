// ============================================================================
// Meeseeks Box - Node Runtime and Router
// ============================================================================
//
// Package: internal/box
// Purpose: Coordinate the components of one box and route jobs
//
// A box owns the state store, its worker pools, one peer link per
// configured remote, and the request listener. The router tick publishes
// the box's own status row, answers __config jobs, and assigns a node to
// every job it cannot serve locally, preferring less-loaded peers via the
// biased-random pick.
//
// Config reload (from a config envelope or a __config job) re-applies the
// tree in place: removed pools and peers stop, surviving ones reconfigure,
// new ones start. The same apply routine runs at startup.
//
// ============================================================================

package box

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/meeseeks-io/meeseeks/internal/config"
	"github.com/meeseeks-io/meeseeks/internal/metrics"
	"github.com/meeseeks-io/meeseeks/internal/peer"
	"github.com/meeseeks-io/meeseeks/internal/pool"
	"github.com/meeseeks-io/meeseeks/internal/state"
	"github.com/meeseeks-io/meeseeks/pkg/types"
)

// Box is one meeseeks node: state store, pools, peer links, listener,
// router.
type Box struct {
	name string
	log  *slog.Logger
	mtr  *metrics.Collector

	cfgMu sync.Mutex
	cfg   *config.Config

	st    *state.State
	pools map[string]*pool.Pool
	peers map[string]*peer.Link

	tick       time.Duration
	useLoadavg bool
	waitInPool bool

	listener *listener

	reloadCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New builds a box from a config tree. The box name defaults to the
// hostname.
func New(cfg *config.Config, mtr *metrics.Collector) (*Box, error) {
	name := cfg.GetString("name", "")
	if name == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		name = h
	}
	b := &Box{
		name:     name,
		log:      slog.Default().With("component", name+".box"),
		mtr:      mtr,
		cfg:      cfg,
		pools:    map[string]*pool.Pool{},
		peers:    map[string]*peer.Link{},
		tick:     time.Second,
		reloadCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	b.st = state.New(name, b.stateConfig(), mtr)
	b.applyConfig()
	return b, nil
}

// Name returns the box's node name.
func (b *Box) Name() string { return b.name }

// Addr returns the request listener address; valid after Start.
func (b *Box) Addr() net.Addr { return b.listener.Addr() }

// State returns the box's state store (used by in-process clients and
// tests).
func (b *Box) State() *state.State { return b.st }

// SetTick overrides the router loop period; for tests. The state store and
// pools keep the period they were created with in New.
func (b *Box) SetTick(d time.Duration) { b.tick = d }

// Start brings the box up: state loop, listener, router, metrics.
func (b *Box) Start() error {
	b.st.Start()
	ln, err := newListener(b)
	if err != nil {
		b.st.Stop()
		return err
	}
	b.listener = ln
	ln.serve()
	if b.cfg.GetBool("metrics.enabled", false) {
		port := b.cfg.GetInt("metrics.port", 9090)
		go func() {
			if err := metrics.StartServer(port); err != nil {
				b.log.Warn("metrics server failed", "port", port, "error", err)
			}
		}()
	}
	go b.run()
	b.log.Info("running", "address", ln.Addr())
	return nil
}

// Stop tears the box down: the router first, then the listener, the pools
// (killing their tasks), the peer links, and finally the state store, which
// writes its last snapshot.
func (b *Box) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
	if b.listener != nil {
		b.listener.stop()
	}
	for name, p := range b.pools {
		b.log.Info("stopping pool", "pool", name)
		p.Stop()
	}
	for name, l := range b.peers {
		b.log.Info("stopping peer", "peer", name)
		l.Stop()
	}
	b.st.Stop()
	b.log.Info("stopped")
}

// Reload requests a config re-apply on the next router tick.
func (b *Box) Reload() {
	select {
	case b.reloadCh <- struct{}{}:
	default:
	}
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (b *Box) run() {
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			close(b.doneCh)
			return
		case <-b.reloadCh:
			b.applyConfig()
		case <-ticker.C:
			b.step()
		}
	}
}

// step is one router tick.
func (b *Box) step() {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("router loop panic", "error", r)
		}
	}()
	b.updateOwnStatus()
	b.handleConfigJobs()
	b.route()
}

// updateOwnStatus publishes this box's status row: online, loadavg, and the
// set of nodes reachable through it.
func (b *Box) updateOwnStatus() {
	nodes := b.st.GetNodes()
	routing := make([]string, 0, len(nodes)+1)
	seen := false
	online := 0
	for name, st := range nodes {
		routing = append(routing, name)
		if name == b.name {
			seen = true
		} else if st.Online {
			online++
		}
	}
	if !seen {
		routing = append(routing, b.name)
	}
	sort.Strings(routing)
	b.st.UpdateNode(b.name, &types.NodeStatus{
		Online:  true,
		TS:      now(),
		Loadavg: loadavg(),
		Routing: routing,
	})
	b.mtr.SetPeersOnline(online)
}

// handleConfigJobs answers __config jobs assigned to this box: merge the
// args into the live config, request a reload, and reply with the active
// config.
func (b *Box) handleConfigJobs() {
	jobs := b.st.Get(types.Query{Filters: map[string]any{
		"node": b.name, "pool": types.ConfigPool, "state": string(types.StateNew),
	}})
	for id, job := range jobs {
		if len(job.Args) > 0 {
			delta := config.ParseKV(job.Args)
			b.cfgMu.Lock()
			b.cfg.Update(delta)
			b.cfgMu.Unlock()
			b.log.Info("config job applied", "job", id)
			b.Reload()
		}
		b.cfgMu.Lock()
		dump := b.cfg.Dump()
		b.cfgMu.Unlock()
		b.st.UpdateJob(id, types.Fields{
			"args":   []string{dump},
			"state":  types.StateDone,
			"active": false,
		})
	}
}

// route assigns nodes to jobs this box cannot serve: jobs assigned here
// whose pool is not local, and jobs with no node at all.
func (b *Box) route() {
	pools := b.st.GetPools()

	worklist := map[string]*types.Job{}
	for id, job := range b.st.Get(types.Query{Filters: map[string]any{"node": b.name}}) {
		if job.State != types.StateNew || job.Active {
			continue
		}
		if job.Pool == types.ConfigPool {
			continue
		}
		if _, local := b.pools[job.Pool]; local {
			continue // a local pool will claim it
		}
		worklist[id] = job
	}
	for id, job := range b.st.Get(types.Query{Filters: map[string]any{"node": ""}}) {
		if job.State == types.StateNew && !job.Active {
			worklist[id] = job
		}
	}

	ids := make([]string, 0, len(worklist))
	for id := range worklist {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(a, c int) bool {
		return worklist[ids[a]].TS < worklist[ids[c]].TS
	})

	for _, id := range ids {
		job := worklist[id]
		if job.SubmitNode == "" {
			if j := b.st.UpdateJob(id, types.Fields{"submit_node": b.name}); j != nil {
				job = j
			}
		}

		candidates := b.candidates(job, pools[job.Pool])
		if (job.Hold && !b.waitInPool) || len(candidates) == 0 {
			// park on ourselves until capacity appears or the hold clears
			if job.Node != b.name {
				b.st.UpdateJob(id, types.Fields{"node": b.name})
			}
			continue
		}

		var node string
		if b.useLoadavg {
			node = b.selectByLoadavg(candidates)
		} else {
			node = b.selectByAvailable(candidates, pools[job.Pool])
		}
		b.log.Debug("routing job", "job", id, "pool", job.Pool, "node", node)
		b.st.UpdateJob(id, types.Fields{"node": node})
		b.mtr.RecordRouted()
	}
}

// candidates picks the nodes that can take a job: nodes advertising the
// pool with free slots (or any queue depth when wait_in_pool is set),
// narrowed by the job's node filter when it matches anything.
func (b *Box) candidates(job *types.Job, poolNodes map[string]types.Slots) []string {
	var nodes []string
	for node, slots := range poolNodes {
		if b.waitInPool || slots.Free() {
			nodes = append(nodes, node)
		}
	}
	if job.Filter != "" {
		var preferred []string
		for _, node := range nodes {
			if matchGlob(job.Filter, node) {
				preferred = append(preferred, node)
			}
		}
		// the filter only narrows when it matches something; it may have
		// been meant for an upstream hop
		if len(preferred) > 0 {
			nodes = preferred
		}
	}
	sort.Strings(nodes)
	return nodes
}

func matchGlob(pattern, name string) bool {
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		return len(name) >= len(pattern)-1 && name[:len(pattern)-1] == pattern[:len(pattern)-1]
	}
	return pattern == name
}

// biasedRandom picks from a sorted candidate list, favoring the head while
// still spreading: choose k in [1, len], then pick uniformly from the
// first k.
func biasedRandom(sorted []string) string {
	if len(sorted) == 1 {
		return sorted[0]
	}
	k := rand.Intn(len(sorted)) + 1
	return sorted[rand.Intn(k)]
}

// selectByLoadavg orders candidates by ascending load average.
func (b *Box) selectByLoadavg(nodes []string) string {
	status := b.st.GetNodes()
	sort.SliceStable(nodes, func(a, c int) bool {
		var la, lc float64
		if st := status[nodes[a]]; st != nil {
			la = st.Loadavg
		}
		if st := status[nodes[c]]; st != nil {
			lc = st.Loadavg
		}
		return la < lc
	})
	return biasedRandom(nodes)
}

// selectByAvailable orders candidates by descending free slots.
func (b *Box) selectByAvailable(nodes []string, poolNodes map[string]types.Slots) string {
	free := func(n string) float64 {
		s := poolNodes[n]
		if s.Unlimited {
			return math.Inf(1)
		}
		return float64(s.Count)
	}
	sort.SliceStable(nodes, func(a, c int) bool {
		return free(nodes[a]) > free(nodes[c])
	})
	return biasedRandom(nodes)
}

// ============================================================================
// Config application
// ============================================================================

// stateConfig assembles the state store settings from defaults + the state
// section.
func (b *Box) stateConfig() state.Config {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	view := config.New(config.Merge(b.cfg.Sub("defaults"), b.cfg.Sub("state")))
	return state.Config{
		Expire:           view.GetInt("expire", 300),
		ExpireActiveJobs: view.GetBool("expire_active_jobs", true),
		Timeout:          view.GetInt("timeout", 60),
		Checkpoint:       view.GetInt("checkpoint", 0),
		File:             view.GetString("file", ""),
		History:          view.GetString("history", ""),
		Tick:             b.tick,
	}
}

// applyConfig reconciles pools and peer links with the config tree: stop
// removed, reconfigure kept, start added. Runs at startup and on reload.
func (b *Box) applyConfig() {
	b.cfgMu.Lock()
	defaults := b.cfg.Sub("defaults")
	poolsCfg := b.cfg.Sub("pools")
	nodesCfg := b.cfg.Sub("nodes")
	b.useLoadavg = b.cfg.GetBool("use_loadavg", config.New(defaults).GetBool("use_loadavg", false))
	b.waitInPool = b.cfg.GetBool("wait_in_pool", config.New(defaults).GetBool("wait_in_pool", false))
	b.cfgMu.Unlock()

	b.st.Configure(b.stateConfig())

	for name, p := range b.pools {
		if _, ok := poolsCfg[name]; !ok {
			b.log.Info("removing pool", "pool", name)
			p.Stop()
			delete(b.pools, name)
		}
	}
	for name, raw := range poolsCfg {
		view := config.New(config.Merge(defaults, asMap(raw)))
		pcfg := pool.Config{
			Slots:   view.GetInt("slots", 0),
			Update:  view.GetInt("update", 0),
			Runtime: view.GetFloat("runtime", 0),
			Drain:   view.GetBool("drain", false),
			Hold:    view.GetBool("hold", false),
			Tick:    b.tick,
		}
		if p, ok := b.pools[name]; ok {
			p.Configure(pcfg)
		} else {
			b.log.Info("creating pool", "pool", name)
			p := pool.New(b.name, name, b.st, b.mtr, pcfg)
			p.Start()
			b.pools[name] = p
		}
	}

	for name, l := range b.peers {
		if _, ok := nodesCfg[name]; !ok {
			b.log.Info("removing peer", "peer", name)
			l.Stop()
			delete(b.peers, name)
		}
	}
	for name, raw := range nodesCfg {
		view := config.New(config.Merge(defaults, asMap(raw)))
		pcfg := peer.Config{
			Address: view.GetString("address", ""),
			Port:    view.GetInt("port", 0),
			Timeout: view.GetInt("timeout", 0),
			Refresh: view.GetInt("refresh", 0),
			Poll:    view.GetInt("poll", 0),
			SSL:     tlsFromMap(view.Sub("ssl")),
		}
		if l, ok := b.peers[name]; ok {
			l.Configure(pcfg)
		} else {
			b.log.Info("adding peer", "peer", name)
			l := peer.New(b.name, name, b.st, pcfg)
			l.Start()
			b.peers[name] = l
		}
	}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// tlsFromMap decodes an ssl config section through its JSON form.
func tlsFromMap(m map[string]any) *peer.TLSConfig {
	if len(m) == 0 {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	t := &peer.TLSConfig{}
	if err := json.Unmarshal(raw, t); err != nil {
		return nil
	}
	return t
}

// loadavg reads the 1-minute load average; best effort, 0 when
// unavailable.
func loadavg() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var la float64
	fmt.Sscanf(string(data), "%f", &la)
	return la
}
