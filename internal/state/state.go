// ============================================================================
// Meeseeks State - Cluster State Store
// ============================================================================
//
// Package: internal/state
// Purpose: Single source of truth for this box's view of the cluster
//
// Design:
//   1. jobs map - the job table, the only shared mutable structure
//   2. status map - node → status rows; each box owns its own row
//   3. seq - monotonic counter assigned on every mutation, used as the
//      gossip high-water mark by peer links
//
// Every public operation takes the single mutex, so sync and get observe a
// consistent snapshot. Returned jobs are deep copies; callers mutate state
// only through Submit/UpdateJob/Kill/Sync.
//
// Background loop (one tick per second by default):
//   1. Append history records for newly-terminal jobs
//   2. Expire stale jobs (delete inactive, fail actives on offline nodes,
//      bump the rest so they re-propagate)
//   3. Restart / retry / resubmit sweep
//   4. Mark silent nodes offline, drop rows marked for removal
//   5. Checkpoint the job table every N ticks
//
// ============================================================================

package state

import (
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meeseeks-io/meeseeks/internal/metrics"
	"github.com/meeseeks-io/meeseeks/internal/snapshot"
	"github.com/meeseeks-io/meeseeks/pkg/types"
)

// Config holds the state store settings.
type Config struct {
	Expire           int           // job expiry age in seconds
	ExpireActiveJobs bool          // fail stale active jobs when their node is offline
	Timeout          int           // node offline threshold in seconds
	Checkpoint       int           // snapshot every N ticks, 0 disables
	File             string        // state snapshot path
	History          string        // history log path
	Tick             time.Duration // loop period
}

func (c *Config) defaults() {
	if c.Expire == 0 {
		c.Expire = 300
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
	if c.Tick == 0 {
		c.Tick = time.Second
	}
}

// State is the per-box cluster state store.
type State struct {
	node string
	log  *slog.Logger
	mtr  *metrics.Collector

	mu     sync.Mutex
	jobs   map[string]*types.Job
	status map[string]*types.NodeStatus
	seq    uint64 // next seq to assign
	hseq   uint64 // highest seq already written to history

	cfg     Config
	hist    *historyLog
	snap    *snapshot.Manager
	ckcount int

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a state store for the named box (empty name means client
// mode). If a state file is configured and present, the job table is loaded
// from it before the store is used.
func New(node string, cfg Config, mtr *metrics.Collector) *State {
	cfg.defaults()
	name := "state"
	if node != "" {
		name = node + ".state"
	}
	s := &State{
		node:   node,
		log:    slog.Default().With("component", name),
		mtr:    mtr,
		jobs:   map[string]*types.Job{},
		status: map[string]*types.NodeStatus{},
		seq:    1,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if cfg.File != "" {
		s.snap = snapshot.NewManager(cfg.File)
		if jobs, err := s.snap.Load(); err == nil {
			s.jobs = jobs
			// keep seq ahead of everything we loaded so new mutations
			// still sort after old ones on peer links
			for _, j := range jobs {
				if j.Seq >= s.seq {
					s.seq = j.Seq + 1
				}
			}
			s.log.Info("loaded state", "file", cfg.File, "jobs", len(jobs))
		} else if err != snapshot.ErrSnapshotNotFound {
			s.log.Warn("state file load failed", "file", cfg.File, "error", err)
		}
	}
	if cfg.History != "" {
		h, err := openHistory(cfg.History)
		if err != nil {
			s.log.Warn("history open failed", "file", cfg.History, "error", err)
		} else {
			s.hist = h
		}
	}
	return s
}

// Node returns the box name this store belongs to ("" for clients).
func (s *State) Node() string { return s.node }

// Configure applies a live config change to the loop parameters.
func (s *State) Configure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Expire > 0 {
		s.cfg.Expire = cfg.Expire
	}
	if cfg.Timeout > 0 {
		s.cfg.Timeout = cfg.Timeout
	}
	s.cfg.ExpireActiveJobs = cfg.ExpireActiveJobs
	s.cfg.Checkpoint = cfg.Checkpoint
}

// Start launches the background loop.
func (s *State) Start() {
	go s.run()
}

// Stop stops the loop, writes the final snapshot, and closes the history
// log.
func (s *State) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ============================================================================
// Job operations
// ============================================================================

// Submit validates a job spec and creates or modifies jobs. The result maps
// each affected id to the resulting job; a nil value reports an invalid
// submission (serialized as false on the wire).
//
// A node spec that is a list creates one job per node; a glob ("work*")
// expands to the nodes currently carrying the target pool whose names match
// the prefix.
func (s *State) Submit(spec *types.JobSpec) map[string]*types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := map[string]*types.Job{}
	var nodes []string
	if prefix, ok := spec.Node.Glob(); ok {
		for node := range s.poolsLocked()[spec.Pool] {
			if strings.HasPrefix(node, prefix) {
				nodes = append(nodes, node)
			}
		}
		sort.Strings(nodes)
		if len(nodes) == 0 {
			// glob matched nothing; nothing to create
			return r
		}
	} else if len(spec.Node) > 0 {
		nodes = spec.Node
	} else {
		nodes = []string{""}
	}

	for _, node := range nodes {
		id := spec.ID
		if id == "" {
			u, err := uuid.NewUUID()
			if err != nil {
				s.log.Warn("uuid generation failed", "error", err)
				continue
			}
			id = u.String()
		}
		fields := spec.SpecFields()

		if existing, ok := s.jobs[id]; ok {
			s.modifyLocked(id, existing, spec, node, fields)
			r[id] = s.jobs[id].Clone()
			continue
		}

		// create path
		if spec.Pool == "" {
			r[id] = nil
			continue
		}
		fields["state"] = types.StateNew
		fields["active"] = false
		fields["start_count"] = 0
		fields["fail_count"] = 0
		fields["submit_ts"] = now()
		if node != "" {
			fields["node"] = node
			fields["submit_node"] = node
		}
		if spec.UID == "" {
			fields["uid"] = strconv.Itoa(os.Geteuid())
		}
		j := s.updateLocked(id, fields)
		s.mtr.RecordSubmit()
		s.log.Info("submit job", "job", id, "pool", spec.Pool)
		r[id] = j.Clone()
	}
	return r
}

// modifyLocked applies a submit to an existing job, enforcing the state
// transition rules: an inactive job only accepts state=new (plus re-routing
// fields); an active job only accepts state=killed, and never a node or
// pool move.
func (s *State) modifyLocked(id string, existing *types.Job, spec *types.JobSpec, node string, fields types.Fields) {
	if existing.State.Terminal() {
		if spec.State != "" {
			if spec.State == types.StateNew {
				if node != "" {
					fields["node"] = node
					fields["submit_node"] = node
				} else {
					fields["node"] = existing.SubmitNode
					fields["active"] = false
					fields["error"] = ""
					fields["start_count"] = 0
					fields["fail_count"] = 0
					fields["submit_ts"] = now()
				}
				fields["state"] = types.StateNew
			}
			// any other state change on an inactive job is dropped;
			// remaining fields still merge and re-timestamp
		}
	} else {
		if spec.State == types.StateKilled {
			fields["state"] = types.StateKilled
		}
		delete(fields, "pool")
	}
	s.updateLocked(id, fields)
}

// Get returns jobs matching the query; see types.Query for the filter
// semantics. Returned jobs are copies.
func (s *State) Get(q types.Query) map[string]*types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(q)
}

func (s *State) getLocked(q types.Query) map[string]*types.Job {
	r := map[string]*types.Job{}
	if len(q.IDs) > 0 {
		for _, id := range q.IDs {
			if j, ok := s.jobs[id]; ok {
				r[id] = j.Clone()
			}
		}
		return r
	}
	_, byNode := q.Filters["node"]
	routedOnly := s.node != "" && !byNode &&
		!q.HasTS && !q.HasSeq && q.TS == 0 && q.Seq == 0
	for id, j := range s.jobs {
		if q.TS > 0 && j.TS <= q.TS {
			continue
		}
		if q.Seq > 0 && j.Seq <= q.Seq {
			continue
		}
		if q.Tag != "" && !hasTag(j, q.Tag) {
			continue
		}
		if routedOnly && j.Node == "" {
			continue
		}
		if !matchFilters(j, q.Filters) {
			continue
		}
		r[id] = j.Clone()
	}
	return r
}

func hasTag(j *types.Job, tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func matchFilters(j *types.Job, filters map[string]any) bool {
	for k, want := range filters {
		got, known := j.Field(k)
		if !known {
			return false
		}
		if !matchValue(got, want) {
			return false
		}
	}
	return true
}

func matchValue(got, want any) bool {
	if ws, ok := want.(string); ok && strings.HasSuffix(ws, "*") {
		gs, ok := got.(string)
		return ok && strings.HasPrefix(gs, ws[:len(ws)-1])
	}
	switch w := want.(type) {
	case string:
		gs, ok := got.(string)
		return ok && gs == w
	case bool:
		gb, ok := got.(bool)
		return ok && gb == w
	case nil:
		return got == nil
	case float64, int, int64:
		gf, ok := got.(float64)
		if !ok {
			return false
		}
		switch t := w.(type) {
		case float64:
			return gf == t
		case int:
			return gf == float64(t)
		case int64:
			return gf == float64(t)
		}
	}
	return false
}

// GetJob returns a copy of one job, or nil.
func (s *State) GetJob(id string) *types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Clone()
}

// List returns the ids of jobs matching the query.
func (s *State) List(q types.Query) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for id := range s.getLocked(q) {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateJob applies a partial update to an existing job. The seq is always
// replaced with the next monotonic value; ts is preserved when supplied and
// set to the current wall-clock otherwise. No other validation is
// performed. Returns nil when the job does not exist.
func (s *State) UpdateJob(id string, fields types.Fields) *types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	return s.updateLocked(id, fields).Clone()
}

func (s *State) updateLocked(id string, fields types.Fields) *types.Job {
	j, ok := s.jobs[id]
	if !ok {
		j = &types.Job{}
		s.jobs[id] = j
	}
	delete(fields, "seq")
	if _, ok := fields["ts"]; !ok {
		fields["ts"] = now()
	}
	fields.Apply(j)
	j.Seq = s.seq
	s.seq++
	return j
}

// Kill sets state=killed on each matched job; the argument is an id, a list
// of ids, or a filter query. The result maps every attempted id to the
// resulting job (nil for unknown ids).
func (s *State) Kill(arg types.KillArg) map[string]*types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := arg.IDs
	if arg.Query != nil {
		ids = ids[:0]
		for id := range s.getLocked(*arg.Query) {
			ids = append(ids, id)
		}
	}
	r := map[string]*types.Job{}
	for _, id := range ids {
		if _, ok := s.jobs[id]; !ok {
			r[id] = nil
			continue
		}
		r[id] = s.updateLocked(id, types.Fields{"state": types.StateKilled}).Clone()
	}
	return r
}

// Sync merges incoming peer state: a job is accepted iff its id is new or
// its ts is strictly greater than the local ts (last-writer-wins, ties keep
// local). Status rows merge verbatim; the peer is the source of truth for
// its own row. Returns the accepted job ids.
func (s *State) Sync(jobs map[string]*types.Job, status map[string]*types.NodeStatus) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	accepted := []string{}
	for id, job := range jobs {
		local, ok := s.jobs[id]
		if ok && local.TS >= job.TS {
			continue
		}
		nj := job.Clone()
		nj.Seq = s.seq
		s.seq++
		s.jobs[id] = nj
		accepted = append(accepted, id)
	}
	for name, st := range status {
		s.updateNodeLocked(name, st.Clone())
	}
	s.mtr.RecordSync(len(accepted))
	return accepted
}

// ============================================================================
// Node and pool status
// ============================================================================

// GetNodes returns a copy of the node status map.
func (s *State) GetNodes() map[string]*types.NodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := make(map[string]*types.NodeStatus, len(s.status))
	for name, st := range s.status {
		r[name] = st.Clone()
	}
	return r
}

// UpdateNode sets a node's status row. The pools map is preserved when the
// incoming row does not carry one; an offline row clears it.
func (s *State) UpdateNode(name string, st *types.NodeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateNodeLocked(name, st.Clone())
}

func (s *State) updateNodeLocked(name string, st *types.NodeStatus) {
	cur, ok := s.status[name]
	if !ok {
		cur = &types.NodeStatus{Pools: map[string]types.Slots{}}
		s.status[name] = cur
	}
	pools := cur.Pools
	*cur = *st
	if cur.Pools == nil {
		cur.Pools = pools
	}
	if !cur.Online {
		cur.Pools = map[string]types.Slots{}
	}
}

// UpdatePool publishes a pool's slot capacity on a node; a zero Slots value
// removes the entry.
func (s *State) UpdatePool(pool, node string, slots types.Slots) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[node]
	if slots.None() {
		if ok {
			delete(st.Pools, pool)
		}
		return
	}
	if !ok {
		st = &types.NodeStatus{Pools: map[string]types.Slots{}}
		s.status[node] = st
	}
	st.Pools[pool] = slots
}

// GetPools returns the derived pool → node → slots-free view. Where a node
// publishes a numeric capacity, this box's non-inactive jobs assigned to
// that (node,pool) are subtracted.
func (s *State) GetPools() types.PoolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poolsLocked()
}

func (s *State) poolsLocked() types.PoolStatus {
	pools := types.PoolStatus{}
	for node, st := range s.status {
		for pool, slots := range st.Pools {
			if !slots.Unlimited {
				busy := 0
				for _, j := range s.jobs {
					if j.Node == node && j.Pool == pool && !j.State.Terminal() {
						busy++
					}
				}
				slots = types.Slots{Count: slots.Count - busy}
			}
			if pools[pool] == nil {
				pools[pool] = map[string]types.Slots{}
			}
			pools[pool][node] = slots
		}
	}
	return pools
}

// ============================================================================
// Background loop
// ============================================================================

func (s *State) run() {
	s.log.Info("started")
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.mu.Lock()
			s.writeHistoryLocked()
			if s.snap != nil {
				s.saveLocked()
			}
			if s.hist != nil {
				s.hist.Close()
			}
			s.mu.Unlock()
			close(s.doneCh)
			return
		case <-ticker.C:
			s.step()
		}
	}
}

// step runs one background iteration; a panic in one tick is logged and the
// loop survives.
func (s *State) step() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("state loop panic", "error", r)
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	s.writeHistoryLocked()
	s.expireLocked(ts)
	s.recurLocked(ts)
	s.timeoutNodesLocked(ts)

	if s.cfg.Checkpoint > 0 && s.snap != nil {
		s.ckcount = (s.ckcount + 1) % s.cfg.Checkpoint
		if s.ckcount == 0 {
			s.saveLocked()
		}
	}

	byState := map[string]int{}
	for _, j := range s.jobs {
		byState[string(j.State)]++
	}
	s.mtr.SetJobs(byState)
}

// writeHistoryLocked appends one record per newly-terminal job.
func (s *State) writeHistoryLocked() {
	if s.hist == nil {
		return
	}
	for id, j := range s.jobs {
		if j.Seq > s.hseq && j.State.Terminal() {
			if err := s.hist.Append(id, j); err != nil {
				s.log.Warn("history write failed", "job", id, "error", err)
			}
		}
	}
	s.hist.Flush()
	s.hseq = s.seq - 1
}

// expireLocked handles jobs whose ts is older than the expire window:
// terminal jobs are deleted; active jobs on offline nodes fail with
// error=expired; everything else gets its ts bumped so it re-propagates to
// the node that should be running it.
func (s *State) expireLocked(ts float64) {
	var stale []string
	for id, j := range s.jobs {
		if ts-j.TS > float64(s.cfg.Expire) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		j := s.jobs[id]
		switch {
		case j.State.Terminal():
			s.log.Debug("expiring inactive job", "job", id)
			delete(s.jobs, id)
		case s.cfg.ExpireActiveJobs && !s.nodeOnlineLocked(j.Node):
			// this job should have been updated by its node
			s.log.Warn("expiring active job", "job", id, "node", j.Node)
			s.updateLocked(id, types.Fields{
				"state":      types.StateFailed,
				"error":      "expired",
				"fail_count": j.FailCount + 1,
			})
			s.mtr.RecordExpired()
		default:
			s.updateLocked(id, types.Fields{})
		}
	}
}

func (s *State) nodeOnlineLocked(node string) bool {
	st, ok := s.status[node]
	return ok && st.Online
}

// recurLocked runs the restart/retry/resubmit sweep.
func (s *State) recurLocked(ts float64) {
	for id, j := range s.jobs {
		// a job is ours to restart locally when it is assigned to us and
		// not marked resubmit
		thisNode := s.node != "" && j.Node == s.node && !j.Resubmit
		// resubmit sends inactive done/failed jobs back to the submit node
		// for routing
		resubmit := j.Resubmit && !j.Active &&
			j.State != types.StateNew && j.State != types.StateKilled &&
			s.node != "" && j.SubmitNode == s.node
		if !thisNode && !resubmit {
			continue
		}
		restart := false
		if j.Restart && j.State == types.StateDone {
			restart = true
		} else if j.State == types.StateFailed && j.FailCount <= j.Retries {
			s.log.Info("retry job", "job", id, "fail_count", j.FailCount, "retries", j.Retries)
			restart = true
		}
		if !restart {
			continue
		}
		if resubmit {
			s.log.Info("resubmit job", "job", id)
			s.updateLocked(id, types.Fields{
				"submit_ts": ts,
				"state":     types.StateNew,
				"node":      s.node,
			})
		} else {
			s.log.Info("restart job", "job", id)
			s.updateLocked(id, types.Fields{"state": types.StateNew})
		}
	}
}

// timeoutNodesLocked marks silent nodes offline and drops offline rows
// marked for removal.
func (s *State) timeoutNodesLocked(ts float64) {
	for name, st := range s.status {
		if ts-st.TS <= float64(s.cfg.Timeout) {
			continue
		}
		if st.Online {
			s.log.Warn("node timed out", "node", name, "timeout", s.cfg.Timeout)
			st.Online = false
			st.Pools = map[string]types.Slots{}
		} else if st.Remove {
			s.log.Info("removing node", "node", name)
			delete(s.status, name)
		}
	}
}

func (s *State) saveLocked() {
	if err := s.snap.Write(s.jobs); err != nil {
		s.log.Warn("state save failed", "file", s.snap.Path(), "error", err)
		return
	}
	s.log.Info("saved state", "file", s.snap.Path(), "jobs", len(s.jobs))
}
