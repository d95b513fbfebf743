// Request listener: one TCP (optionally TLS) connection per client or
// peer, newline-delimited JSON framing. Each line is one array of request
// envelopes; the reply is one array of the same length.

package box

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/meeseeks-io/meeseeks/internal/config"
	"github.com/meeseeks-io/meeseeks/pkg/types"
)

// maxLine bounds one request batch; a full job table sync of a large
// cluster fits comfortably.
const maxLine = 16 * 1024 * 1024

type listener struct {
	box *Box
	log *slog.Logger
	ln  net.Listener

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// newListener binds the request socket from the listen config section.
func newListener(b *Box) (*listener, error) {
	b.cfgMu.Lock()
	view := config.New(config.Merge(b.cfg.Sub("defaults"), b.cfg.Sub("listen")))
	b.cfgMu.Unlock()

	address := view.GetString("address", "localhost")
	if prefix := view.GetString("prefix", ""); prefix != "" {
		if a, err := addressByPrefix(prefix); err == nil {
			address = a
		} else {
			return nil, err
		}
	}
	port := view.GetInt("port", types.DefaultPort)

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, err
	}
	if ssl := tlsFromMap(view.Sub("ssl")); ssl != nil {
		conf, err := ssl.ServerConfig()
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, conf)
	}
	return &listener{
		box: b,
		log: slog.Default().With("component", b.name+".listener"),
		ln:  ln,
	}, nil
}

// addressByPrefix returns the first interface address whose string form
// starts with the prefix.
func addressByPrefix(prefix string) (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.String()
		if strings.HasPrefix(ip, prefix) {
			return ip, nil
		}
	}
	return "", fmt.Errorf("no interface address matches prefix %q", prefix)
}

func (l *listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *listener) serve() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			conn, err := l.ln.Accept()
			if err != nil {
				l.mu.Lock()
				stopped := l.stopped
				l.mu.Unlock()
				if !stopped {
					l.log.Warn("accept failed", "error", err)
				}
				return
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.handleConn(conn)
			}()
		}
	}()
}

func (l *listener) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.ln.Close()
	l.wg.Wait()
}

// handleConn runs one connection: read a request line, answer, repeat
// until the client disconnects.
func (l *listener) handleConn(conn net.Conn) {
	defer conn.Close()
	log := l.log.With("client", conn.RemoteAddr().String())
	log.Debug("connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var reqs []types.Request
		if err := json.Unmarshal(line, &reqs); err != nil {
			log.Warn("bad request batch", "error", err)
			return
		}
		responses := make([]any, len(reqs))
		for i, req := range reqs {
			responses[i] = l.box.Handle(req)
		}
		out, err := json.Marshal(responses)
		if err != nil {
			log.Warn("response marshal failed", "error", err)
			return
		}
		w.Write(out)
		w.WriteByte('\n')
		if err := w.Flush(); err != nil {
			return
		}
	}
	log.Debug("disconnected")
}
