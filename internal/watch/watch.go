// ============================================================================
// Meeseeks Watch - Directory Watcher
// ============================================================================
//
// Package: internal/watch
// Purpose: Submit jobs for files appearing in a directory
//
// The watcher scans a directory on a rescan interval (and early, when
// fsnotify reports churn), matches files against glob patterns, and
// submits the configured jobspec for each unprocessed file. Completion is
// tracked with marker files next to the data:
//
//   ._<name>_<index>_<file>.<state>   one per finished job, JSON job inside
//   ._<name>_<index>_<file>.mtime     saved mtime when updated-tracking is on
//
// %(key)s tokens in jobspec values expand from the watch config plus the
// per-file variables (filename, file, the name split into numbered parts,
// and the fileset members).
//
// Without globs the watcher just keeps the configured jobs running, up to
// the optional count limit.
//
// ============================================================================

package watch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meeseeks-io/meeseeks/internal/client"
	"github.com/meeseeks-io/meeseeks/internal/config"
	"github.com/meeseeks-io/meeseeks/pkg/types"
)

// Config holds the watch settings.
type Config struct {
	Name    string
	Path    string
	Globs   []string
	Jobs    []map[string]any // jobspec per index
	Refresh int              // loop period, seconds
	Rescan  int              // directory rescan period, seconds
	MinAge  int              // skip files younger than this, seconds
	MaxAge  int              // skip files older than this, seconds
	Updated bool             // re-run when a done file's mtime changes
	Retry   bool             // re-run failed files
	RunAll  bool             // run every job index up to the file's index
	Reverse bool             // scan oldest-first instead of newest-first
	Count   int              // stop after this many completed rounds
	Split   string           // filename separator for filesets
	Match   int              // parts of the name that identify a fileset
	Partial bool             // run filesets with members missing
	Skip    string           // suffix marking a fileset to skip
	Vars    map[string]string
}

func (c *Config) defaults() {
	if c.Name == "" {
		c.Name = "watch"
	}
	if c.Refresh == 0 {
		c.Refresh = 10
	}
	if c.Rescan == 0 {
		c.Rescan = 60
	}
}

// Watch runs one directory watcher against a client.
type Watch struct {
	c   *client.Client
	cfg Config
	log *slog.Logger

	jobs  map[string]*client.Handle // job key → handle
	cache []os.DirEntry
	files map[string][]os.DirEntry // glob → matches

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a watcher; Start runs it.
func New(c *client.Client, cfg Config) *Watch {
	cfg.defaults()
	return &Watch{
		c:      c,
		cfg:    cfg,
		log:    slog.Default().With("component", "watch."+cfg.Name),
		jobs:   map[string]*client.Handle{},
		files:  map[string][]os.DirEntry{},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the watcher loop.
func (w *Watch) Start() {
	go w.run()
}

// Stop kills all submitted jobs and stops the loop.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// Wait blocks until the watcher finishes on its own (count reached or
// stopped).
func (w *Watch) Wait() {
	<-w.doneCh
}

func (w *Watch) run() {
	defer close(w.doneCh)
	w.log.Info("started", "path", w.cfg.Path)

	var events chan fsnotify.Event
	if w.cfg.Path != "" {
		if fw, err := fsnotify.NewWatcher(); err == nil {
			if err := fw.Add(w.cfg.Path); err == nil {
				events = make(chan fsnotify.Event, 1)
				go forwardEvents(fw, events, w.stopCh)
				defer fw.Close()
			} else {
				w.log.Warn("fsnotify add failed", "path", w.cfg.Path, "error", err)
				fw.Close()
			}
		}
	}

	ticker := time.NewTicker(time.Duration(w.cfg.Refresh) * time.Second)
	defer ticker.Stop()

	rescanEvery := w.cfg.Rescan / w.cfg.Refresh
	if rescanEvery < 1 {
		rescanEvery = 1
	}
	rescanCount := 0
	jobCount := 0
	dirty := true // scan immediately on startup

	for {
		done := w.cleanupJobs()
		if done {
			jobCount++
			if w.cfg.Count > 0 && jobCount >= w.cfg.Count {
				w.log.Info("count reached", "count", jobCount)
				w.killAll()
				return
			}
		}

		if len(w.cfg.Globs) > 0 {
			if dirty || rescanCount == 0 {
				w.scan()
				dirty = false
			}
			rescanCount = (rescanCount + 1) % rescanEvery
			w.processFiles()
		} else {
			// no globs: keep the configured jobs running
			for index := range w.cfg.Jobs {
				key := strconv.Itoa(index)
				if _, running := w.jobs[key]; running {
					continue
				}
				w.startJob(index, nil, nil, nil)
			}
		}

		select {
		case <-w.stopCh:
			w.killAll()
			return
		case <-events:
			dirty = true
		case <-ticker.C:
		}
	}
}

func forwardEvents(fw *fsnotify.Watcher, out chan<- fsnotify.Event, stop <-chan struct{}) {
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			select {
			case out <- ev:
			default: // a pending event already forces a rescan
			}
		case <-fw.Errors:
		case <-stop:
			return
		}
	}
}

// cleanupJobs reaps finished handles and records file status. Returns true
// when all submitted jobs finished without failure.
func (w *Watch) cleanupJobs() bool {
	var done *bool
	for key, h := range w.jobs {
		exited := h.Poll()
		if len(exited) == 0 {
			continue
		}
		failed := false
		for _, j := range exited {
			if j == nil || j.State != types.StateDone {
				failed = true
			}
		}
		if failed {
			w.log.Warn("job failed", "key", key)
			h.Kill() // stop remaining parts of a multi job so it can restart
			f := false
			done = &f
		}
		if !h.Alive() {
			if index, filename, ok := strings.Cut(key, "_"); ok {
				for _, j := range exited {
					if err := w.setFileStatus(index, filename, j); err != nil {
						w.log.Warn("status write failed", "file", filename, "error", err)
					}
					break
				}
			}
			delete(w.jobs, key)
			if len(w.jobs) == 0 && done == nil {
				t := true
				done = &t
			}
		}
	}
	return done != nil && *done
}

func (w *Watch) killAll() {
	for key, h := range w.jobs {
		w.log.Info("killing job", "key", key)
		h.Kill()
	}
}

// scan reads the directory and rebuilds the per-glob file lists.
func (w *Watch) scan() {
	entries, err := os.ReadDir(w.cfg.Path)
	if err != nil {
		w.log.Warn("scan failed", "path", w.cfg.Path, "error", err)
		return
	}
	files := entries[:0]
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || e.IsDir() {
			continue
		}
		if w.cfg.MinAge > 0 || w.cfg.MaxAge > 0 {
			fi, err := e.Info()
			if err != nil {
				continue
			}
			age := time.Since(fi.ModTime()).Seconds()
			if (w.cfg.MinAge > 0 && age < float64(w.cfg.MinAge)) ||
				(w.cfg.MaxAge > 0 && age > float64(w.cfg.MaxAge)) {
				continue
			}
		}
		files = append(files, e)
	}
	sort.Slice(files, func(a, b int) bool {
		if w.cfg.Reverse {
			return files[a].Name() < files[b].Name()
		}
		return files[a].Name() > files[b].Name()
	})
	w.cache = files
	for _, glob := range w.cfg.Globs {
		var matched []os.DirEntry
		for _, f := range w.cache {
			if ok, _ := filepath.Match(glob, f.Name()); ok {
				matched = append(matched, f)
			}
		}
		w.files[glob] = matched
	}
}

// processFiles builds filesets and starts jobs for unprocessed files.
func (w *Watch) processFiles() {
	for globIndex, glob := range w.cfg.Globs {
		if w.cfg.Split != "" && w.cfg.Match > 0 && globIndex > 0 {
			break // fileset mode keys off the first glob only
		}
		var filesets [][]os.DirEntry
		for _, file := range w.files[glob] {
			fileset, complete := w.buildFileset(file)
			if fileset == nil {
				continue
			}
			if !complete && !w.cfg.Partial {
				continue
			}
			filesets = append(filesets, fileset)
		}
		for _, fileset := range filesets {
			w.checkAndStart(globIndex, fileset)
		}
	}
}

// buildFileset collects the files belonging to one key file across all
// globs; outside match mode the set is the file itself. A nil result means
// the set is skipped.
func (w *Watch) buildFileset(file os.DirEntry) ([]os.DirEntry, bool) {
	if w.cfg.Split == "" || w.cfg.Match == 0 {
		return []os.DirEntry{file}, true
	}
	parts := strings.Split(file.Name(), w.cfg.Split)
	if len(parts) < w.cfg.Match {
		return []os.DirEntry{file}, true
	}
	pat := strings.Join(parts[:w.cfg.Match], w.cfg.Split)
	if w.cfg.Skip != "" {
		skipFile := pat + w.cfg.Split + w.cfg.Skip
		if _, err := os.Stat(filepath.Join(w.cfg.Path, skipFile)); err == nil {
			w.log.Debug("fileset skipped", "pattern", pat)
			return nil, false
		}
	}
	var fileset []os.DirEntry
	complete := true
	for _, g := range w.cfg.Globs {
		matched := false
		for _, f := range w.files[g] {
			if strings.HasPrefix(f.Name(), pat) {
				fileset = append(fileset, f)
				matched = true
			}
		}
		if !matched {
			complete = false
		}
	}
	return fileset, complete
}

// checkAndStart starts the next unfinished job index for a fileset.
func (w *Watch) checkAndStart(globIndex int, fileset []os.DirEntry) {
	if len(w.cfg.Jobs) == 0 {
		return
	}
	file := fileset[0]
	jobIndex := globIndex
	if jobIndex >= len(w.cfg.Jobs) {
		jobIndex = len(w.cfg.Jobs) - 1
	}
	minIndex := jobIndex
	if w.cfg.RunAll {
		minIndex = 0
	}
	for index := minIndex; index <= jobIndex; index++ {
		if w.cfg.Jobs[index] == nil {
			continue
		}
		key := fmt.Sprintf("%d_%s", index, file.Name())
		if _, running := w.jobs[key]; running {
			return // wait for the current stage before the next index
		}
		done := w.checkFileStatus(index, file, "done")
		if !done && !w.cfg.Retry {
			done = w.checkFileStatus(index, file, "failed")
		}
		if !done {
			fparts := []string{file.Name()}
			if w.cfg.Split != "" {
				fparts = strings.Split(file.Name(), w.cfg.Split)
			}
			w.startJob(index, file, fparts, fileset)
			return
		}
	}
}

// startJob expands the jobspec at index and submits it.
func (w *Watch) startJob(index int, file os.DirEntry, fparts []string, fileset []os.DirEntry) {
	spec := w.cfg.Jobs[index]
	if spec == nil {
		return
	}
	vars := map[string]string{"index": strconv.Itoa(index), "name": w.cfg.Name}
	for k, v := range w.cfg.Vars {
		vars[k] = v
	}
	key := strconv.Itoa(index)
	if file != nil {
		vars["filename"] = file.Name()
		vars["file"] = filepath.Join(w.cfg.Path, file.Name())
		for i, p := range fparts {
			vars[strconv.Itoa(i)] = p
		}
		for i, f := range fileset {
			vars["fileset"+strconv.Itoa(i)] = f.Name()
		}
		key += "_" + file.Name()
	}

	expanded := expandSpec(spec, vars)
	raw, err := json.Marshal(expanded)
	if err != nil {
		w.log.Warn("bad jobspec", "index", index, "error", err)
		return
	}
	var jobSpec types.JobSpec
	if err := json.Unmarshal(raw, &jobSpec); err != nil {
		w.log.Warn("bad jobspec", "index", index, "error", err)
		return
	}

	h := w.c.NewJob(jobSpec)
	if _, err := h.Start(); err != nil {
		w.log.Warn("submit failed", "key", key, "error", err)
		return
	}
	w.log.Info("submitted", "key", key, "pool", jobSpec.Pool)
	w.jobs[key] = h
}

func expandSpec(spec map[string]any, vars map[string]string) map[string]any {
	out := make(map[string]any, len(spec))
	for k, v := range spec {
		switch t := v.(type) {
		case string:
			out[k] = config.Expand(t, vars)
		case []any:
			l := make([]any, len(t))
			for i, e := range t {
				if s, ok := e.(string); ok {
					l[i] = config.Expand(s, vars)
				} else {
					l[i] = e
				}
			}
			out[k] = l
		default:
			out[k] = v
		}
	}
	return out
}

// ============================================================================
// File status markers
// ============================================================================

func (w *Watch) markerPath(index, filename, status string) string {
	return filepath.Join(w.cfg.Path,
		fmt.Sprintf("._%s_%s_%s.%s", w.cfg.Name, index, filename, status))
}

// setFileStatus records a finished job against its file.
func (w *Watch) setFileStatus(index, filename string, job *types.Job) error {
	status := "failed"
	var body []byte
	if job != nil {
		status = string(job.State)
		body, _ = json.MarshalIndent(job, "", "  ")
	}
	if err := os.WriteFile(w.markerPath(index, filename, status), body, 0644); err != nil {
		return err
	}
	if w.cfg.Updated {
		fi, err := os.Stat(filepath.Join(w.cfg.Path, filename))
		if err != nil {
			return err
		}
		mtime := strconv.FormatInt(fi.ModTime().Unix(), 10)
		return os.WriteFile(w.markerPath(index, filename, "mtime"), []byte(mtime), 0644)
	}
	return nil
}

// checkFileStatus reports whether a file already finished with the given
// status (and has not changed since, when updated-tracking is on).
func (w *Watch) checkFileStatus(index int, file os.DirEntry, status string) bool {
	idx := strconv.Itoa(index)
	if _, err := os.Stat(w.markerPath(idx, file.Name(), status)); err != nil {
		return false
	}
	if !w.cfg.Updated {
		return true
	}
	data, err := os.ReadFile(w.markerPath(idx, file.Name(), "mtime"))
	if err != nil {
		return true // no saved mtime, consider done
	}
	saved, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return true
	}
	fi, err := file.Info()
	if err != nil {
		return true
	}
	return fi.ModTime().Unix() == saved
}
