// ============================================================================
// Meeseeks Integration Tests
// ============================================================================
//
// End-to-end scenarios over real boxes: each test starts one or two boxes
// on ephemeral ports, talks to them through the client, and waits for the
// gossip and pool loops (1s ticks) to converge. Deadlines are generous so
// the tests stay reliable on loaded machines.
//
// ============================================================================

package integration

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeseeks-io/meeseeks/internal/box"
	"github.com/meeseeks-io/meeseeks/internal/client"
	"github.com/meeseeks-io/meeseeks/internal/config"
	"github.com/meeseeks-io/meeseeks/pkg/types"
)

func newBox(t *testing.T, name string, extra map[string]any) *box.Box {
	t.Helper()
	cfg := config.New(map[string]any{
		"name":   name,
		"listen": map[string]any{"address": "127.0.0.1", "port": 0},
	}, extra)
	b, err := box.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b
}

func boxPort(b *box.Box) int {
	return b.Addr().(*net.TCPAddr).Port
}

func newClientFor(t *testing.T, b *box.Box) *client.Client {
	t.Helper()
	c := client.New(client.Config{Address: "127.0.0.1", Port: boxPort(b), Timeout: 5})
	t.Cleanup(c.Close)
	return c
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func submitOne(t *testing.T, c *client.Client, spec types.JobSpec) string {
	t.Helper()
	r, err := c.Submit(&spec)
	require.NoError(t, err)
	require.Len(t, r, 1)
	for id, job := range r {
		require.NotNil(t, job, "submit rejected")
		return id
	}
	return ""
}

func getJob(t *testing.T, c *client.Client, id string) *types.Job {
	t.Helper()
	j, err := c.Job(id)
	require.NoError(t, err)
	return j
}

// Happy path on a single box: submit, run, capture output.
func TestSingleBoxHappyPath(t *testing.T) {
	b := newBox(t, "a", map[string]any{
		"pools": map[string]any{"p": map[string]any{"slots": 1}},
	})
	c := newClientFor(t, b)

	id := submitOne(t, c, types.JobSpec{Pool: "p", Args: []string{"/bin/echo", "hi"}})
	eventually(t, 30*time.Second, func() bool {
		j := getJob(t, c, id)
		return j != nil && j.State == types.StateDone
	}, "job done")

	j := getJob(t, c, id)
	require.NotNil(t, j.RC)
	assert.Zero(t, *j.RC)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hi\n")), j.StdoutData)
	assert.Equal(t, 1, j.StartCount)
	assert.Zero(t, j.FailCount)
	assert.False(t, j.Active)
}

// Retry on failure until the budget is exhausted.
func TestRetryOnFailure(t *testing.T) {
	b := newBox(t, "a", map[string]any{
		"pools": map[string]any{"p": map[string]any{"slots": 1}},
	})
	c := newClientFor(t, b)

	retries := 2
	id := submitOne(t, c, types.JobSpec{
		Pool: "p", Args: []string{"/bin/false"}, Retries: &retries,
	})
	eventually(t, 60*time.Second, func() bool {
		j := getJob(t, c, id)
		return j != nil && j.FailCount == 3
	}, "retries exhausted")

	// with fail_count 3 > retries 2 the job settles in failed
	eventually(t, 10*time.Second, func() bool {
		j := getJob(t, c, id)
		return j != nil && j.State == types.StateFailed
	}, "final state failed")
	assert.Equal(t, 3, getJob(t, c, id).FailCount)
}

// The job runtime cap kills and fails the task.
func TestRuntimeCap(t *testing.T) {
	b := newBox(t, "a", map[string]any{
		"pools": map[string]any{"p": map[string]any{"slots": 1}},
	})
	c := newClientFor(t, b)

	runtime := 2.0
	id := submitOne(t, c, types.JobSpec{
		Pool: "p", Args: []string{"/bin/sleep", "1000"}, Runtime: &runtime,
	})
	eventually(t, 30*time.Second, func() bool {
		j := getJob(t, c, id)
		return j != nil && j.State == types.StateFailed
	}, "runtime kill")

	j := getJob(t, c, id)
	assert.Contains(t, j.Error, "runtime")
	assert.Nil(t, j.PID) // task reaped
}

// Routing across two boxes: only b serves the pool.
func TestRoutingAcrossBoxes(t *testing.T) {
	bb := newBox(t, "b", map[string]any{
		"pools": map[string]any{"p": map[string]any{"slots": 1}},
	})
	ba := newBox(t, "a", map[string]any{
		"nodes": map[string]any{
			"b": map[string]any{"address": "127.0.0.1", "port": boxPort(bb)},
		},
	})
	c := newClientFor(t, ba)

	id := submitOne(t, c, types.JobSpec{Pool: "p", Args: []string{"/bin/echo", "routed"}})
	eventually(t, 60*time.Second, func() bool {
		j := getJob(t, c, id)
		return j != nil && j.State == types.StateDone
	}, "routed job done on a's view")

	j := getJob(t, c, id)
	assert.Equal(t, "a", j.SubmitNode)
	assert.Equal(t, "b", j.Node)
	require.NotNil(t, j.RC)
	assert.Zero(t, *j.RC)

	// the running box has the same terminal state
	jb := bb.State().GetJob(id)
	require.NotNil(t, jb)
	assert.Equal(t, types.StateDone, jb.State)
}

// Kill while running.
func TestKillWhileRunning(t *testing.T) {
	b := newBox(t, "a", map[string]any{
		"pools": map[string]any{"p": map[string]any{"slots": 1}},
	})
	c := newClientFor(t, b)

	id := submitOne(t, c, types.JobSpec{Pool: "p", Args: []string{"/bin/sleep", "1000"}})
	eventually(t, 30*time.Second, func() bool {
		j := getJob(t, c, id)
		return j != nil && j.State == types.StateRunning
	}, "job running")

	_, err := c.Kill([]string{id})
	require.NoError(t, err)

	eventually(t, 30*time.Second, func() bool {
		j := getJob(t, c, id)
		return j != nil && j.State == types.StateKilled && !j.Active
	}, "job killed")

	j := getJob(t, c, id)
	assert.Equal(t, 1, j.StartCount)
	assert.Zero(t, j.FailCount)
}

// Slot cap: a pool with one slot never runs two tasks at once.
func TestSlotCap(t *testing.T) {
	b := newBox(t, "a", map[string]any{
		"pools": map[string]any{"p": map[string]any{"slots": 1, "update": 1}},
	})
	c := newClientFor(t, b)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, submitOne(t, c, types.JobSpec{
			Pool: "p", Args: []string{"/bin/sleep", "1000"}, Node: types.NodeSpec{"a"},
		}))
	}
	// give the pool a few ticks, then check the cap held
	time.Sleep(5 * time.Second)
	running := 0
	for _, id := range ids {
		if j := getJob(t, c, id); j != nil && j.State == types.StateRunning {
			running++
		}
	}
	assert.LessOrEqual(t, running, 1)

	_, err := c.Kill(ids)
	require.NoError(t, err)
}

// Node status and pool maps are visible to clients.
func TestNodesAndPools(t *testing.T) {
	b := newBox(t, "a", map[string]any{
		"pools": map[string]any{"p": map[string]any{"slots": 2}},
	})
	c := newClientFor(t, b)

	eventually(t, 30*time.Second, func() bool {
		nodes, err := c.Nodes()
		if err != nil {
			return false
		}
		st, ok := nodes["a"]
		return ok && st.Online && len(st.Pools) == 1
	}, "own node advertised")

	pools, err := c.Pools()
	require.NoError(t, err)
	require.Contains(t, pools, "p")
	assert.Equal(t, 2, pools["p"]["a"].Count)
}

// Raw wire check: one line in, one line out, batch shape preserved.
func TestWireProtocol(t *testing.T) {
	b := newBox(t, "a", nil)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", boxPort(b)))
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	_, err = conn.Write([]byte(`[{"nodes":{}},{"ls":{}},{"bogus":1}]` + "\n"))
	require.NoError(t, err)

	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var resp []map[string]any
	require.NoError(t, json.Unmarshal(line, &resp))
	require.Len(t, resp, 3)
	assert.Contains(t, resp[0], "nodes")
	assert.Contains(t, resp[1], "ls")
	assert.Empty(t, resp[2]) // unknown keys ignored

	// options.pretty turns the envelope response into a string
	_, err = conn.Write([]byte(`[{"nodes":{},"options":{"pretty":true}}]` + "\n"))
	require.NoError(t, err)
	line, err = r.ReadBytes('\n')
	require.NoError(t, err)
	var pretty []any
	require.NoError(t, json.Unmarshal(line, &pretty))
	require.Len(t, pretty, 1)
	_, isString := pretty[0].(string)
	assert.True(t, isString)
}

// The job handle facade drives a job end to end, with an exit callback.
func TestJobHandleAndNotify(t *testing.T) {
	b := newBox(t, "a", map[string]any{
		"pools": map[string]any{"p": map[string]any{"slots": 1}},
	})
	c := client.New(client.Config{
		Address: "127.0.0.1", Port: boxPort(b), Timeout: 5, Refresh: 1,
	})
	t.Cleanup(c.Close)

	exited := make(chan string, 1)
	h := c.NewJob(types.JobSpec{Pool: "p", Args: []string{"/bin/echo", "done"}})
	h.OnExit(func(_ *client.Handle, id string, job *types.Job) {
		exited <- id
	})
	ids, err := h.Start()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	select {
	case id := <-exited:
		assert.Equal(t, ids[0], id)
	case <-time.After(60 * time.Second):
		t.Fatal("notify callback never fired")
	}
	assert.Equal(t, types.StateDone, h.State())
	require.NotNil(t, h.RC())
	assert.Zero(t, *h.RC())
	assert.False(t, h.Alive())
}
