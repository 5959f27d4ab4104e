package wrapper

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/slackwire/slackwire/internal/config"
)

// outputFiles owns the on-disk mirror of one session's terminal output: the
// raw byte buffer hooks re-parse, a numbered line file, and a small metadata
// sidecar recording the last write time.
type outputFiles struct {
	cfg *config.Config

	mu        sync.Mutex
	sessionID string
	buffer    *os.File
}

type bufferMeta struct {
	BufferWriteTime float64 `json:"buffer_write_time"`
	SessionID       string  `json:"session_id"`
}

func newOutputFiles(cfg *config.Config, sessionID string) (*outputFiles, error) {
	o := &outputFiles{cfg: cfg}
	if err := o.open(sessionID); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *outputFiles) open(sessionID string) error {
	f, err := os.OpenFile(o.cfg.BufferFilePath(sessionID),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open buffer file: %w", err)
	}
	o.sessionID = sessionID
	o.buffer = f
	return nil
}

// Append writes raw PTY bytes to the buffer file and refreshes the metadata
// sidecar.
func (o *outputFiles) Append(chunk []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.buffer.Write(chunk); err != nil {
		return fmt.Errorf("append buffer: %w", err)
	}
	meta := bufferMeta{
		BufferWriteTime: float64(time.Now().UnixNano()) / 1e9,
		SessionID:       o.sessionID,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(o.cfg.BufferMetaPath(o.sessionID), data, 0o600)
}

// WriteLines rewrites the numbered line file from a line-log snapshot.
func (o *outputFiles) WriteLines(lines []string) error {
	o.mu.Lock()
	path := o.cfg.LinesFilePath(o.sessionID)
	o.mu.Unlock()

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open lines file: %w", err)
	}
	for i, line := range lines {
		if _, err := f.WriteString(strconv.Itoa(i+1) + ": " + line + "\n"); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write lines file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// BufferPath returns the current raw buffer path.
func (o *outputFiles) BufferPath() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.BufferFilePath(o.sessionID)
}

// SwitchSession redirects subsequent writes to files named for a new session
// id, used after a session-identity change.
func (o *outputFiles) SwitchSession(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sessionID == o.sessionID {
		return nil
	}
	if o.buffer != nil {
		o.buffer.Close()
	}
	return o.open(sessionID)
}

func (o *outputFiles) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.buffer != nil {
		o.buffer.Close()
		o.buffer = nil
	}
}
