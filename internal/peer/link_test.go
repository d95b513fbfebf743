package peer

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeseeks-io/meeseeks/internal/state"
	"github.com/meeseeks-io/meeseeks/pkg/types"
)

// fakeBox is a minimal wire peer: one envelope response per request line.
type fakeBox struct {
	ln net.Listener

	respond func(req types.Request) map[string]any
}

func newFakeBox(t *testing.T, respond func(req types.Request) map[string]any) *fakeBox {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeBox{ln: ln, respond: respond}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeBox) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeBox) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				var reqs []types.Request
				if json.Unmarshal(scanner.Bytes(), &reqs) != nil {
					return
				}
				out := make([]any, len(reqs))
				for i, r := range reqs {
					out[i] = f.respond(r)
				}
				line, _ := json.Marshal(out)
				conn.Write(append(line, '\n'))
			}
		}()
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.defaults("remote-box")
	assert.Equal(t, "remote-box", cfg.Address)
	assert.Equal(t, types.DefaultPort, cfg.Port)
	assert.Equal(t, 10, cfg.Timeout)
	assert.Equal(t, 1, cfg.Refresh)
	assert.Equal(t, 10, cfg.Poll)
}

func TestRequestRoundTrip(t *testing.T) {
	f := newFakeBox(t, func(req types.Request) map[string]any {
		return map[string]any{"nodes": map[string]any{"b": map[string]any{"online": true}}}
	})
	st := state.New("", state.Config{}, nil)
	l := New("", "b", st, Config{Address: "127.0.0.1", Port: f.port(), Timeout: 2})

	resps, err := l.Request([]any{map[string]any{"nodes": map[string]any{}}})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	assert.Contains(t, resps[0], "nodes")
	l.Close()
}

func TestRequestReconnectsAfterClose(t *testing.T) {
	f := newFakeBox(t, func(req types.Request) map[string]any {
		return map[string]any{"get": map[string]any{}}
	})
	st := state.New("", state.Config{}, nil)
	l := New("", "b", st, Config{Address: "127.0.0.1", Port: f.port(), Timeout: 2})

	_, err := l.Request([]any{map[string]any{"get": map[string]any{}}})
	require.NoError(t, err)

	l.Close() // drop the socket; the next call must redial
	_, err = l.Request([]any{map[string]any{"get": map[string]any{}}})
	require.NoError(t, err)
	l.Close()
}

func TestRequestConnectFailure(t *testing.T) {
	st := state.New("", state.Config{}, nil)
	// a port nothing listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	l := New("", "b", st, Config{Address: "127.0.0.1", Port: port, Timeout: 1})
	_, err = l.Request([]any{map[string]any{"nodes": map[string]any{}}})
	assert.Error(t, err)
}

func TestSyncLoopMergesRemoteJobs(t *testing.T) {
	remoteJob := &types.Job{Pool: "p1", Node: "b", State: types.StateDone, TS: 100, Seq: 7}
	f := newFakeBox(t, func(req types.Request) map[string]any {
		resp := map[string]any{"get": map[string]*types.Job{"j1": remoteJob}}
		if _, ok := req["nodes"]; ok {
			resp["nodes"] = map[string]*types.NodeStatus{
				"b": {Online: true, TS: 100},
			}
		}
		return resp
	})
	st := state.New("", state.Config{}, nil)
	l := New("", "b", st, Config{Address: "127.0.0.1", Port: f.port(), Timeout: 2, Refresh: 1})
	l.Start()
	defer l.Stop()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st.GetJob("j1") != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	j := st.GetJob("j1")
	require.NotNil(t, j, "job never synced")
	assert.Equal(t, types.StateDone, j.State)
	assert.Equal(t, 100.0, j.TS) // remote ts preserved
	assert.Contains(t, st.GetNodes(), "b")

	l.Stop() // loop quiesced before reading the sequence mark
	assert.Equal(t, uint64(7), l.remoteSeq)
}

func TestTLSServerConfigRequiresCert(t *testing.T) {
	c := &TLSConfig{}
	_, err := c.ServerConfig()
	assert.Error(t, err)
}

func TestTLSClientVerify(t *testing.T) {
	c := &TLSConfig{}
	conf, err := c.ClientConfig("box1")
	require.NoError(t, err)
	assert.False(t, conf.InsecureSkipVerify)
	assert.Equal(t, "box1", conf.ServerName)

	off := false
	c.Verify = &off
	conf, err = c.ClientConfig("box1")
	require.NoError(t, err)
	assert.True(t, conf.InsecureSkipVerify)
}
