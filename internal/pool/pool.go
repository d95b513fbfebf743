// ============================================================================
// Meeseeks Pool - Per-Pool Job Scheduler
// ============================================================================
//
// Package: internal/pool
// Purpose: Execute one pool's worth of jobs on this box
//
// The pool loop claims jobs assigned to (this box, this pool) from the
// state store in submit order, starts tasks while slots are free, enforces
// job- and pool-level runtime caps, heartbeats running jobs so they do not
// expire, and reports task results back through the state store.
//
// Slot accounting is the number of live tasks against the configured
// capacity; the advertised capacity is published to the state store every
// tick so peers can route against it. A draining pool publishes nothing and
// so disappears from the advertised pool map.
//
// Every update that carries a state also carries the matching active flag:
// terminal state → inactive.
//
// ============================================================================

package pool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/meeseeks-io/meeseeks/internal/metrics"
	"github.com/meeseeks-io/meeseeks/internal/state"
	"github.com/meeseeks-io/meeseeks/internal/task"
	"github.com/meeseeks-io/meeseeks/pkg/types"
)

// Config holds per-pool settings.
type Config struct {
	Slots   int           // capacity; 0 = unlimited
	Update  int           // heartbeat period for running jobs, seconds; 0 disables
	Runtime float64       // pool-wide max runtime, seconds; 0 disables
	Drain   bool          // stop accepting new work
	Hold    bool          // do not start new jobs
	Tick    time.Duration // loop period
}

// Pool runs one worker loop for a named pool on this box.
type Pool struct {
	node string
	name string
	st   *state.State
	log  *slog.Logger
	mtr  *metrics.Collector

	mu         sync.Mutex // guards config fields below
	slots      types.Slots
	update     int
	maxRuntime float64
	hold       bool
	tick       time.Duration

	tasks map[string]*task.Task // owned by the loop goroutine

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a pool worker for (node, name) against the given state store.
func New(node, name string, st *state.State, mtr *metrics.Collector, cfg Config) *Pool {
	p := &Pool{
		node:   node,
		name:   name,
		st:     st,
		log:    slog.Default().With("component", node+".pool."+name),
		mtr:    mtr,
		tasks:  map[string]*task.Task{},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	p.Configure(cfg)
	return p
}

// Configure applies pool settings; safe during operation for live reload.
func (p *Pool) Configure(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.Slots == 0 {
		p.slots = types.SlotsUnlimited
	} else {
		p.slots = types.Slots{Count: cfg.Slots}
	}
	if cfg.Drain {
		p.slots = types.Slots{}
	}
	p.update = cfg.Update
	p.maxRuntime = cfg.Runtime
	p.hold = cfg.Hold
	if cfg.Tick == 0 {
		cfg.Tick = time.Second
	}
	p.tick = cfg.Tick
}

// Start launches the worker loop.
func (p *Pool) Start() {
	go p.run()
}

// Stop shuts the pool down: all tasks are killed and their jobs marked
// failed with error=pool, and the pool is removed from the advertised
// status.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Pool) run() {
	p.log.Info("started")
	p.mu.Lock()
	tick := p.tick
	p.mu.Unlock()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			p.shutdown()
			close(p.doneCh)
			return
		case <-ticker.C:
			p.step()
		}
	}
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// step runs one scheduling pass; panics are logged and the loop survives.
func (p *Pool) step() {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pool loop panic", "error", r)
		}
	}()

	p.mu.Lock()
	slots := p.slots
	update := p.update
	maxRuntime := p.maxRuntime
	hold := p.hold
	p.mu.Unlock()

	jobs := p.st.Get(types.Query{Filters: map[string]any{"node": p.node, "pool": p.name}})
	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return jobs[ids[a]].SubmitTS < jobs[ids[b]].SubmitTS
	})

	for _, id := range ids {
		job := jobs[id]
		info := task.Info{}

		if t, ok := p.tasks[id]; ok {
			info = t.Info()
			if r := t.Poll(); r != nil {
				info = t.Info() // final info, recorded before done closed
				// task exited; only move the state if the job was still
				// running; a killed job stays killed
				st := job.State
				failCount := job.FailCount
				if st == types.StateRunning {
					if *r {
						st = types.StateDone
					} else {
						st = types.StateFailed
						failCount++
					}
				}
				f := info.Fields()
				f["state"] = st
				f["end_ts"] = now()
				f["fail_count"] = failCount
				job = p.updateJob(id, f)
				p.log.Info("task exited", "job", id, "state", st)
				p.mtr.RecordState(string(st))
				delete(p.tasks, id) // free the slot
			} else if job.Runtime > 0 && now()-job.StartTS > job.Runtime {
				p.log.Warn("job exceeded runtime", "job", id, "runtime", job.Runtime)
				job = p.killJob(id, job, types.StateFailed,
					fmt.Sprintf("job runtime %v exceeded", job.Runtime))
			} else if maxRuntime > 0 && now()-job.StartTS > maxRuntime {
				p.log.Warn("job exceeded pool runtime", "job", id, "runtime", maxRuntime)
				job = p.killJob(id, job, types.StateFailed,
					fmt.Sprintf("pool runtime %v exceeded", maxRuntime))
			} else if job.State == types.StateNew {
				// job was reset while the task is still running; fix the state
				f := info.Fields()
				f["state"] = types.StateRunning
				job = p.updateJob(id, f)
			}
		} else if job.State == types.StateRunning {
			// job is supposed to be running but no task exists
			p.log.Warn("running job has no task", "job", id)
			job = p.updateJob(id, types.Fields{"state": types.StateFailed, "error": "task",
				"fail_count": job.FailCount + 1})
		}
		if job == nil {
			continue
		}

		// kill or heartbeat active jobs
		if job.Active {
			if job.State == types.StateKilled {
				job = p.killJob(id, job, types.StateKilled, "")
			} else if update > 0 && now()-job.TS > float64(update) {
				f := info.Fields()
				f["state"] = job.State
				p.updateJob(id, f)
			}
		}
		if job == nil {
			continue
		}

		// start new jobs, or claim them when held or out of slots
		if job.State == types.StateNew {
			if !job.Hold && !hold && (slots.Unlimited || len(p.tasks) < slots.Count) {
				p.startJob(id, job)
			} else {
				p.updateJob(id, types.Fields{"active": true})
			}
		}
	}

	// tasks whose jobs vanished from our slice; can happen if time jumps
	for id, t := range p.tasks {
		if _, ok := jobs[id]; !ok {
			p.log.Warn("task job not in state", "job", id)
			t.Kill(syscall.SIGKILL)
			t.Join()
			delete(p.tasks, id)
		}
	}

	p.st.UpdatePool(p.name, p.node, slots)
	p.mtr.SetPoolTasks(p.name, len(p.tasks))
}

// updateJob writes fields through the state store, synchronizing the active
// flag with any state carried in the update.
func (p *Pool) updateJob(id string, f types.Fields) *types.Job {
	if st, ok := f["state"]; ok {
		switch v := st.(type) {
		case types.JobState:
			f["active"] = !v.Terminal()
		case string:
			f["active"] = !types.JobState(v).Terminal()
		}
	}
	return p.st.UpdateJob(id, f)
}

// startJob spawns a task for a new job and marks it running. A spawn
// failure fails the job directly with the error message; rc stays unset so
// spawn failures are distinguishable from exit failures.
func (p *Pool) startJob(id string, job *types.Job) {
	t, err := task.Start(id, job, p.node)
	if err != nil {
		p.log.Warn("task start failed", "job", id, "error", err)
		p.updateJob(id, types.Fields{"state": types.StateFailed, "error": err.Error()})
		return
	}
	p.tasks[id] = t
	f := t.Info().Fields()
	f["state"] = types.StateRunning
	f["start_ts"] = now()
	f["start_count"] = job.StartCount + 1
	p.updateJob(id, f)
	p.mtr.RecordStart()
	p.log.Info("job started", "job", id)
}

// killJob kills a running task (if any), waits for it, and writes the final
// state. A runtime-cap kill is a running→failed transition and counts
// against fail_count.
func (p *Pool) killJob(id string, job *types.Job, st types.JobState, errMsg string) *types.Job {
	f := types.Fields{}
	if t, ok := p.tasks[id]; ok {
		p.log.Debug("killing task", "job", id)
		t.Kill(syscall.SIGKILL)
		t.Join()
		f = t.Info().Fields()
	}
	f["state"] = st
	if errMsg != "" {
		f["error"] = errMsg
	}
	if st == types.StateFailed && job != nil && job.State == types.StateRunning {
		f["fail_count"] = job.FailCount + 1
	}
	return p.updateJob(id, f)
}

// shutdown kills everything and withdraws the pool from the cluster.
func (p *Pool) shutdown() {
	for id, t := range p.tasks {
		t.Kill(syscall.SIGKILL)
		t.Join()
		f := t.Info().Fields()
		f["state"] = types.StateFailed
		f["error"] = "pool"
		if job := p.st.GetJob(id); job != nil && job.State == types.StateRunning {
			f["fail_count"] = job.FailCount + 1
		}
		p.updateJob(id, f)
	}
	p.tasks = map[string]*task.Task{}
	p.st.UpdatePool(p.name, p.node, types.Slots{})
	p.log.Info("stopped")
}
