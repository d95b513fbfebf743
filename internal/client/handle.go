// Job handle: a typed accessor over one submitted job (or the set of jobs
// a multi-node submission created). Getters refresh from the box and read
// one field; setters translate into a submit-with-id. This replaces the
// attribute pass-through API the request protocol grew up with.

package client

import (
	"errors"
	"sync"

	"github.com/meeseeks-io/meeseeks/pkg/types"
)

var ErrAlreadyStarted = errors.New("job already started")

// Handle tracks one submission. For a multi-node spec (node list or glob)
// the handle tracks every created job; single-field getters then report the
// first job and InfoAll exposes the rest.
type Handle struct {
	c     *Client
	spec  types.JobSpec
	multi bool

	mu       sync.Mutex
	ids      []string
	info     map[string]*types.Job
	notify   func(*Handle, string, *types.Job)
	notified map[string]bool
}

// NewJob creates a handle for a job spec. The job is not submitted until
// Start.
func (c *Client) NewJob(spec types.JobSpec) *Handle {
	_, glob := spec.Node.Glob()
	return &Handle{
		c:        c,
		spec:     spec,
		multi:    glob || len(spec.Node) > 1,
		info:     map[string]*types.Job{},
		notified: map[string]bool{},
	}
}

// OnExit registers a callback run once per job when it reaches a terminal
// state. Must be set before Start.
func (h *Handle) OnExit(fn func(h *Handle, id string, job *types.Job)) {
	h.notify = fn
}

// Start submits the job(s) and returns the created ids.
func (h *Handle) Start() ([]string, error) {
	h.mu.Lock()
	if len(h.ids) > 0 {
		h.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	h.mu.Unlock()

	r, err := h.c.Submit(&h.spec)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, j := range r {
		if j == nil {
			return nil, errors.New("submit rejected for " + id)
		}
		ids = append(ids, id)
	}
	h.mu.Lock()
	h.ids = ids
	for id, j := range r {
		h.info[id] = j
	}
	h.mu.Unlock()
	if h.notify != nil {
		h.c.addNotify(h)
	}
	return ids, nil
}

// IDs returns the job ids created by Start.
func (h *Handle) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ids...)
}

// refresh re-reads all tracked jobs. A job missing from the box (expired
// before we looked) is recorded as nil. With the mirror running, a job the
// mirror has not received yet keeps its last known info.
func (h *Handle) refresh() {
	h.mu.Lock()
	ids := append([]string(nil), h.ids...)
	h.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	jobs, err := h.c.jobs(ids)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if j, ok := jobs[id]; ok {
			h.info[id] = j
		} else if !h.c.mirrored {
			h.info[id] = nil
		}
	}
}

func (h *Handle) first() *types.Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ids) == 0 {
		return nil
	}
	return h.info[h.ids[0]]
}

// Info returns the cached job for one id without refreshing.
func (h *Handle) Info(id string) *types.Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info[id]
}

// InfoAll refreshes and returns all tracked jobs.
func (h *Handle) InfoAll() map[string]*types.Job {
	h.refresh()
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]*types.Job, len(h.info))
	for id, j := range h.info {
		out[id] = j
	}
	return out
}

// State refreshes and returns the job state ("" when the job vanished).
func (h *Handle) State() types.JobState {
	h.refresh()
	if j := h.first(); j != nil {
		return j.State
	}
	return ""
}

// RC refreshes and returns the exit code, nil while unset.
func (h *Handle) RC() *int {
	h.refresh()
	if j := h.first(); j != nil {
		return j.RC
	}
	return nil
}

// Node refreshes and returns the assigned node.
func (h *Handle) Node() string {
	h.refresh()
	if j := h.first(); j != nil {
		return j.Node
	}
	return ""
}

// Alive refreshes and reports whether any tracked job has not finished.
func (h *Handle) Alive() bool {
	h.refresh()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, j := range h.info {
		if j != nil && !j.State.Terminal() {
			return true
		}
	}
	return false
}

// Poll returns the finished jobs: for a single job, its info once terminal
// (nil while running); for a multi job, the terminal subset.
func (h *Handle) Poll() map[string]*types.Job {
	h.refresh()
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[string]*types.Job{}
	for id, j := range h.info {
		if j == nil || j.State.Terminal() {
			out[id] = j
		}
	}
	if !h.multi && len(out) == 0 {
		return nil
	}
	return out
}

// Kill stops the tracked job(s).
func (h *Handle) Kill() error {
	h.mu.Lock()
	ids := append([]string(nil), h.ids...)
	h.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	_, err := h.c.Kill(ids)
	return err
}

// set submits a field change against every tracked job.
func (h *Handle) set(mut func(*types.JobSpec)) error {
	h.mu.Lock()
	ids := append([]string(nil), h.ids...)
	h.mu.Unlock()
	for _, id := range ids {
		spec := types.JobSpec{ID: id}
		mut(&spec)
		if _, err := h.c.Submit(&spec); err != nil {
			return err
		}
	}
	return nil
}

// SetRestart toggles restart-on-done.
func (h *Handle) SetRestart(v bool) error {
	return h.set(func(s *types.JobSpec) { s.Restart = &v })
}

// SetHold toggles the job hold flag.
func (h *Handle) SetHold(v bool) error {
	return h.set(func(s *types.JobSpec) { s.Hold = &v })
}

// SetRetries sets the retry budget.
func (h *Handle) SetRetries(n int) error {
	return h.set(func(s *types.JobSpec) { s.Retries = &n })
}

// SetRuntime sets the max runtime in seconds.
func (h *Handle) SetRuntime(sec float64) error {
	return h.set(func(s *types.JobSpec) { s.Runtime = &sec })
}

// Restart resubmits a finished job as new.
func (h *Handle) Restart() error {
	return h.set(func(s *types.JobSpec) { s.State = types.StateNew })
}

// fireNotifications runs the exit callback for newly-terminal jobs.
func (h *Handle) fireNotifications() {
	if h.notify == nil {
		return
	}
	h.refresh()
	h.mu.Lock()
	pending := map[string]*types.Job{}
	for id, j := range h.info {
		if h.notified[id] {
			continue
		}
		if j == nil || j.State.Terminal() {
			h.notified[id] = true
			pending[id] = j
		}
	}
	h.mu.Unlock()
	for id, j := range pending {
		h.notify(h, id, j)
	}
}
