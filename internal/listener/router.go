package listener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/slackwire/slackwire/internal/registry"
)

// sendBackoffs paces control-socket retries before falling through to the
// file drop.
var sendBackoffs = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond}

// dropFileName is the last-resort destination when no session socket can be
// reached; the user picks it up manually.
const dropFileName = "slack_response.txt"

// resolveSocket finds the control socket for an inbound event, in priority
// order: thread match, custom-channel match (live sockets only), legacy
// path. Empty string means no target; the caller falls back to the drop
// file.
func (l *Listener) resolveSocket(threadTS, channel string) string {
	if threadTS != "" {
		if sess, _, err := l.reg.GetByThread(threadTS); err == nil && sess != nil {
			return sess.SocketPath
		}
	}

	if channel != "" {
		sessions, err := l.reg.List(registry.StatusActive)
		if err == nil {
			for _, sess := range sessions {
				if !sess.CustomChannel || sess.Channel != channel {
					continue
				}
				// Stale rows keep their socket path after the wrapper
				// dies; only a socket that still exists is routable.
				if _, err := os.Stat(sess.SocketPath); err != nil {
					continue
				}
				return sess.SocketPath
			}
		}
	}

	legacy := l.legacySocketPath()
	if _, err := os.Stat(legacy); err == nil {
		return legacy
	}
	return ""
}

func (l *Listener) legacySocketPath() string {
	return filepath.Join(l.cfg.SocketDir, "claude.sock")
}

// sendToSession routes a payload to the session controlling a thread or
// channel. Undeliverable payloads land in the drop file.
func (l *Listener) sendToSession(threadTS, channel, payload string) error {
	socket := l.resolveSocket(threadTS, channel)
	if socket == "" {
		return l.dropPayload(payload)
	}
	if err := sendToSocket(socket, payload); err != nil {
		l.log.Warn("socket send failed, dropping to file",
			zap.String("socket", socket), zap.Error(err))
		return l.dropPayload(payload)
	}
	return nil
}

// sendToSocket delivers one newline-terminated payload with retries.
func sendToSocket(path, payload string) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = trySend(path, payload)
		if lastErr == nil {
			return nil
		}
		if attempt >= len(sendBackoffs) {
			return fmt.Errorf("send to %s: %w", path, lastErr)
		}
		time.Sleep(sendBackoffs[attempt])
	}
}

func trySend(path, payload string) error {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(payload + "\n")); err != nil {
		return err
	}
	return nil
}

// dropPayload appends to the manual-pickup file.
func (l *Listener) dropPayload(payload string) error {
	path := filepath.Join(l.cfg.BaseDir, dropFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open drop file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(payload + "\n"); err != nil {
		return fmt.Errorf("write drop file: %w", err)
	}
	l.log.Info("payload dropped to file", zap.String("path", path))
	return errors.New("no reachable session socket")
}
