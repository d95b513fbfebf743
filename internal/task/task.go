// ============================================================================
// Meeseeks Task - Child Process Supervisor
// ============================================================================
//
// Package: internal/task
// Purpose: Supervise one child process for a pool
//
// A Task owns exactly one child process: it wires stdio (file redirection
// or in-memory capture), injects the MEESEEKS_* environment, optionally
// drops uid/gid in the child, records pid/rc/output into an info snapshot,
// and kills the whole process group on request. The supervising goroutine
// blocks in Wait; the pool polls via Poll, which reports nil while the
// child runs, true on a clean exit, and false otherwise.
//
// The child becomes a session leader so a signal to -pid reaches the whole
// process group. Credentials are applied only to the child
// (syscall.Credential), so the parent keeps its own uid for the later kill.
//
// ============================================================================

package task

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/meeseeks-io/meeseeks/pkg/types"
)

var ErrNoArgs = errors.New("job has no args")

// Info is the task's view of its child process, copied into the job by the
// pool on heartbeat and exit.
type Info struct {
	PID        *int
	RC         *int
	StdoutData string
	StderrData string
	Error      string
}

// Fields converts the info into a partial job update. pid is always
// included (null after exit); the other fields only when set, so a
// heartbeat does not clear earlier values.
func (i Info) Fields() types.Fields {
	f := types.Fields{"pid": i.PID}
	if i.RC != nil {
		f["rc"] = i.RC
	}
	if i.StdoutData != "" {
		f["stdout_data"] = i.StdoutData
	}
	if i.StderrData != "" {
		f["stderr_data"] = i.StderrData
	}
	if i.Error != "" {
		f["error"] = i.Error
	}
	return f
}

// Task supervises one running child process.
type Task struct {
	id  string
	cmd *exec.Cmd

	mu     sync.Mutex
	info   Info
	outBuf *bytes.Buffer
	errBuf *bytes.Buffer
	files  []*os.File

	done chan struct{}
}

// Start spawns the child process for a job. The returned task is already
// running; a spawn failure returns the error and no task.
func Start(id string, job *types.Job, node string) (*Task, error) {
	if len(job.Args) == 0 {
		return nil, ErrNoArgs
	}
	t := &Task{id: id, done: make(chan struct{})}
	cmd := exec.Command(job.Args[0], job.Args[1:]...)
	cmd.Env = buildEnv(id, job, node)
	if dir, ok := job.Config["dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}

	if job.Stdin != "" {
		f, err := os.Open(job.Stdin)
		if err != nil {
			return nil, err
		}
		t.files = append(t.files, f)
		cmd.Stdin = f
	}
	if job.Stdout != "" {
		f, err := os.OpenFile(job.Stdout, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			t.closeFiles()
			return nil, err
		}
		t.files = append(t.files, f)
		cmd.Stdout = f
	} else {
		t.outBuf = &bytes.Buffer{}
		cmd.Stdout = t.outBuf
	}
	if job.Stderr != "" {
		f, err := os.OpenFile(job.Stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			t.closeFiles()
			return nil, err
		}
		t.files = append(t.files, f)
		cmd.Stderr = f
	} else {
		t.errBuf = &bytes.Buffer{}
		cmd.Stderr = t.errBuf
	}

	attr := &syscall.SysProcAttr{Setsid: true}
	cred, err := credential(job.UID, job.GID)
	if err != nil {
		t.closeFiles()
		return nil, err
	}
	attr.Credential = cred
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		t.closeFiles()
		return nil, err
	}
	t.cmd = cmd
	pid := cmd.Process.Pid
	t.info.PID = &pid

	go t.wait()
	return t, nil
}

// buildEnv assembles the child environment: the job env (or the box
// environment when none is given) plus the MEESEEKS_* variables.
func buildEnv(id string, job *types.Job, node string) []string {
	var env []string
	if job.Env != nil {
		env = make([]string, 0, len(job.Env)+5)
		for k, v := range job.Env {
			env = append(env, k+"="+v)
		}
	} else {
		env = os.Environ()
	}
	tags := make([]string, 0, len(job.Tags))
	for _, tag := range job.Tags {
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	env = append(env,
		"MEESEEKS_JOB_ID="+id,
		"MEESEEKS_POOL="+job.Pool,
		"MEESEEKS_NODE="+node,
		"MEESEEKS_SUBMIT_NODE="+job.SubmitNode,
		"MEESEEKS_TAGS="+strings.Join(tags, ","),
	)
	return env
}

// credential resolves uid/gid values (numeric or names) into a child
// credential. Empty or root uids return nil: no drop is performed.
func credential(uid, gid types.UserID) (*syscall.Credential, error) {
	if uid == "" {
		return nil, nil
	}
	var u *user.User
	var err error
	if n, nerr := strconv.Atoi(string(uid)); nerr == nil {
		if n <= 0 {
			return nil, nil
		}
		u, err = user.LookupId(strconv.Itoa(n))
		if err != nil {
			// numeric uid without a passwd entry is still usable
			u = &user.User{Uid: strconv.Itoa(n), Gid: strconv.Itoa(n)}
			err = nil
		}
	} else {
		u, err = user.Lookup(string(uid))
	}
	if err != nil {
		return nil, err
	}
	uidN, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	if uidN == 0 {
		return nil, nil
	}
	gidStr := u.Gid
	if gid != "" {
		if _, nerr := strconv.Atoi(string(gid)); nerr == nil {
			gidStr = string(gid)
		} else {
			g, gerr := user.LookupGroup(string(gid))
			if gerr != nil {
				return nil, gerr
			}
			gidStr = g.Gid
		}
	}
	gidN, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uidN), Gid: uint32(gidN)}, nil
}

// wait blocks until the child exits, then records rc and captured output.
func (t *Task) wait() {
	err := t.cmd.Wait()

	t.mu.Lock()
	defer func() {
		t.mu.Unlock()
		close(t.done)
	}()

	rc := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			rc = exitErr.ExitCode()
		} else {
			t.info.Error = err.Error()
			rc = -1
		}
	}
	t.info.PID = nil
	t.info.RC = &rc
	if t.outBuf != nil && t.outBuf.Len() > 0 {
		t.info.StdoutData = base64.StdEncoding.EncodeToString(t.outBuf.Bytes())
	}
	if t.errBuf != nil && t.errBuf.Len() > 0 {
		t.info.StderrData = base64.StdEncoding.EncodeToString(t.errBuf.Bytes())
	}
	t.closeFiles()
}

func (t *Task) closeFiles() {
	for _, f := range t.files {
		f.Close()
	}
	t.files = nil
}

// Info returns a snapshot of the task info.
func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.info
	if c.PID != nil {
		pid := *c.PID
		c.PID = &pid
	}
	if c.RC != nil {
		rc := *c.RC
		c.RC = &rc
	}
	return c
}

// Poll reports nil while the child runs, true on a clean exit (rc == 0 and
// no error), false otherwise.
func (t *Task) Poll() *bool {
	select {
	case <-t.done:
	default:
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ok := t.info.Error == "" && t.info.RC != nil && *t.info.RC == 0
	return &ok
}

// Kill sends a signal to the child's process group (the child is a session
// leader, so this reaches its descendants too).
func (t *Task) Kill(sig syscall.Signal) {
	t.mu.Lock()
	pid := t.info.PID
	t.mu.Unlock()
	if pid != nil {
		syscall.Kill(-*pid, sig)
	}
}

// Join waits for the supervising goroutine to finish recording the exit.
func (t *Task) Join() {
	<-t.done
}
