package wrapper

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxControlPayload bounds one control-socket send. Remote inputs are chat
// messages, not bulk transfers.
const maxControlPayload = 64 * 1024

// controlServer owns the per-session unix socket the listener injects remote
// input through. Each connection carries one payload: read, strip the
// trailing newline, write to the PTY, close.
type controlServer struct {
	path  string
	write func([]byte) error
	log   *zap.Logger

	ln       net.Listener
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newControlServer(path string, write func([]byte) error, log *zap.Logger) *controlServer {
	return &controlServer{
		path:  path,
		write: write,
		log:   log,
		done:  make(chan struct{}),
	}
}

// start unlinks any stale socket from a prior run and begins accepting.
func (c *controlServer) start() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if _, err := os.Stat(c.path); err == nil {
		if err := os.Remove(c.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", c.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.path, err)
	}
	if err := os.Chmod(c.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	c.ln = ln

	c.wg.Add(1)
	go c.acceptLoop()
	return nil
}

func (c *controlServer) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.ln != nil {
			c.ln.Close()
		}
		c.wg.Wait()
		os.Remove(c.path)
	})
}

func (c *controlServer) acceptLoop() {
	defer c.wg.Done()
	for {
		if ul, ok := c.ln.(*net.UnixListener); ok {
			ul.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.log.Warn("control accept failed", zap.Error(err))
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(conn)
		}()
	}
}

func (c *controlServer) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	payload, err := io.ReadAll(io.LimitReader(conn, maxControlPayload+1))
	if err != nil {
		c.log.Warn("control read failed", zap.Error(err))
		return
	}
	if len(payload) > maxControlPayload {
		c.log.Warn("control payload too large", zap.Int("bytes", len(payload)))
		return
	}

	// A trailing newline from the sender becomes a carriage return so the
	// agent's input line is submitted; bare keypresses pass through as-is.
	submitted := false
	for len(payload) > 0 && (payload[len(payload)-1] == '\n' || payload[len(payload)-1] == '\r') {
		payload = payload[:len(payload)-1]
		submitted = true
	}
	if len(payload) == 0 && !submitted {
		return
	}
	if submitted {
		payload = append(payload, '\r')
	}
	if err := c.write(payload); err != nil {
		c.log.Warn("control inject failed", zap.Error(err))
	}
}
