// Package wrapper supervises one agent session: it spawns the agent under a
// PTY, proxies the user's terminal, mirrors output to the line log and
// on-disk buffers, serves the per-session control socket, and keeps the
// session's registry row alive across agent-side session changes.
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/slackwire/slackwire/internal/chat"
	"github.com/slackwire/slackwire/internal/config"
	"github.com/slackwire/slackwire/internal/linelog"
	"github.com/slackwire/slackwire/internal/registry"
)

const (
	// heartbeatInterval paces registry touches and session-change retries.
	heartbeatInterval = 30 * time.Second

	// linesFlushInterval throttles numbered-line-file rewrites.
	linesFlushInterval = 2 * time.Second
)

// Options configures a wrapper run.
type Options struct {
	Cfg *config.Config
	Log *zap.Logger

	// Registry is the RPC client for the registry daemon.
	Registry *registry.Client

	// Channel, when non-empty, requests custom-channel (top-level) posting.
	Channel string

	// Chat, when non-nil, receives a best-effort exit notice in the
	// session's thread.
	Chat chat.Client

	// Args are passed through to the agent binary.
	Args []string
}

// Wrapper is one running session supervisor.
type Wrapper struct {
	opts Options
	cfg  *config.Config
	log  *zap.Logger

	// sessionID is the wrapper-minted 8-char id; currentID tracks the
	// agent session the output files are keyed under.
	sessionID string

	mu        sync.Mutex
	currentID string

	lines *linelog.Log
	files *outputFiles
	ptmx  *os.File
}

// New mints a session id and prepares a wrapper.
func New(opts Options) *Wrapper {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:registry.WrapperIDLength]
	return &Wrapper{
		opts:      opts,
		cfg:       opts.Cfg,
		log:       opts.Log,
		sessionID: id,
		currentID: id,
		lines:     linelog.New(linelog.DefaultMaxLines),
	}
}

// SessionID returns the wrapper-minted id.
func (w *Wrapper) SessionID() string {
	return w.sessionID
}

// Run spawns the agent and blocks until it exits. The returned error covers
// setup failures only; agent exit status is reported through the registry.
func (w *Wrapper) Run() error {
	if err := w.cfg.EnsureDirs(); err != nil {
		return err
	}

	files, err := newOutputFiles(w.cfg, w.sessionID)
	if err != nil {
		return err
	}
	w.files = files
	defer files.Close()

	socketPath := w.cfg.SessionSocketPath(w.sessionID)
	control := newControlServer(socketPath, w.writePTY, w.log)
	if err := control.start(); err != nil {
		return err
	}
	defer control.stop()

	projectDir, err := os.Getwd()
	if err != nil {
		projectDir = ""
	}
	w.register(projectDir, socketPath)
	defer w.unwind()

	cmd := exec.Command(w.cfg.ClaudeBin, w.opts.Args...)
	cmd.Dir = projectDir
	cmd.Env = os.Environ()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", w.cfg.ClaudeBin, err)
	}
	w.mu.Lock()
	w.ptmx = ptmx
	w.mu.Unlock()
	defer ptmx.Close()

	w.log.Info("agent spawned",
		zap.String("session_id", w.sessionID),
		zap.String("bin", w.cfg.ClaudeBin))

	restore := w.rawMode()
	defer restore()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if err := pty.InheritSize(os.Stdin, ptmx); err != nil {
				w.log.Debug("resize failed", zap.Error(err))
			}
		}
	}()
	winch <- syscall.SIGWINCH

	// Keyboard to PTY. Runs until stdin closes or the PTY goes away.
	go io.Copy(ptmx, os.Stdin)

	stop := make(chan struct{})
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		w.heartbeatLoop(stop)
	}()

	w.readLoop(ptmx)
	close(stop)
	bg.Wait()

	status := registry.StatusEnded
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status = registry.StatusCrashed
			w.log.Warn("agent exited nonzero", zap.Int("code", exitErr.ExitCode()))
		}
	}
	w.finalStatus(status)
	return nil
}

// rawMode puts the user's terminal into raw mode when stdin is a TTY.
func (w *Wrapper) rawMode() func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		w.log.Warn("raw mode failed", zap.Error(err))
		return func() {}
	}
	return func() { term.Restore(fd, state) }
}

// readLoop copies PTY output to the user's terminal and mirrors it into the
// line log and on-disk buffers until the agent exits.
func (w *Wrapper) readLoop(ptmx *os.File) {
	buf := make([]byte, 4096)
	lastFlush := time.Time{}
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			os.Stdout.Write(chunk)
			w.lines.AddData(chunk)
			if err := w.files.Append(chunk); err != nil {
				w.log.Debug("buffer append failed", zap.Error(err))
			}
			if time.Since(lastFlush) > linesFlushInterval {
				lastFlush = time.Now()
				if err := w.files.WriteLines(w.lines.Lines()); err != nil {
					w.log.Debug("lines flush failed", zap.Error(err))
				}
			}
			w.maybeHandleSessionChange()
		}
		if err != nil {
			// PTY read errors (EIO on child exit included) end the session.
			return
		}
	}
}

func (w *Wrapper) writePTY(p []byte) error {
	w.mu.Lock()
	ptmx := w.ptmx
	w.mu.Unlock()
	if ptmx == nil {
		return errors.New("pty not started")
	}
	_, err := ptmx.Write(p)
	return err
}

// register inserts this wrapper's row. Failures are logged, not fatal: the
// session still works locally without the registry.
func (w *Wrapper) register(projectDir, socketPath string) {
	req := &registry.RegisterRequest{
		SessionID:  w.sessionID,
		Project:    filepath.Base(projectDir),
		ProjectDir: projectDir,
		Terminal:   terminalLabel(),
		SocketPath: socketPath,
		BufferFile: w.cfg.BufferFilePath(w.sessionID),
		Channel:    w.opts.Channel,
	}
	if _, err := w.opts.Registry.Register(req); err != nil {
		w.log.Warn("registration failed", zap.Error(err))
	}
}

// heartbeatLoop touches the registry row and retries session-change
// discovery that could not complete at detection time.
func (w *Wrapper) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := w.opts.Registry.Update(w.sessionID,
				map[string]any{"status": registry.StatusActive}); err != nil {
				w.log.Debug("heartbeat failed", zap.Error(err))
			}
			w.maybeHandleSessionChange()
		}
	}
}

// maybeHandleSessionChange completes the session-change protocol when the
// line log has flagged one. The flag is acknowledged only after discovery
// succeeds, so a buffer file that has not appeared yet is retried on later
// output and on heartbeats.
func (w *Wrapper) maybeHandleSessionChange() {
	if !w.lines.SessionChangePending() {
		return
	}

	w.mu.Lock()
	current := w.currentID
	w.mu.Unlock()

	exclude := map[string]bool{w.sessionID: true, current: true}
	newID, ok := newestBufferSession(w.cfg.LogDir, exclude)
	if !ok {
		return
	}

	prev, err := w.opts.Registry.Get(current)
	if err != nil {
		w.log.Warn("session change: previous row lookup failed",
			zap.String("session_id", current), zap.Error(err))
		return
	}

	next := &registry.Session{
		SessionID:           newID,
		Project:             prev.Project,
		ProjectDir:          prev.ProjectDir,
		Terminal:            prev.Terminal,
		SocketPath:          w.cfg.SessionSocketPath(w.sessionID),
		Channel:             prev.Channel,
		ThreadTS:            prev.ThreadTS,
		PermissionsChannel:  prev.PermissionsChannel,
		UserID:              prev.UserID,
		ReplyToTS:           prev.ReplyToTS,
		TodoMessageTS:       prev.TodoMessageTS,
		PermissionMessageTS: prev.PermissionMessageTS,
		BufferFile:          w.cfg.BufferFilePath(newID),
		CustomChannel:       prev.CustomChannel,
		Status:              registry.StatusActive,
	}
	if err := w.opts.Registry.RegisterExisting(next); err != nil {
		w.log.Warn("session change: re-registration failed",
			zap.String("new_id", newID), zap.Error(err))
		return
	}

	if err := w.files.SwitchSession(newID); err != nil {
		w.log.Warn("session change: file switch failed", zap.Error(err))
	}

	w.mu.Lock()
	w.currentID = newID
	w.mu.Unlock()
	w.lines.AcknowledgeSessionChange()

	w.log.Info("session change handled",
		zap.String("previous", current), zap.String("new", newID))
}

// finalStatus records how the agent exited and tells the session's thread.
func (w *Wrapper) finalStatus(status string) {
	sess, err := w.opts.Registry.Update(w.sessionID,
		map[string]any{"status": status})
	if err != nil {
		w.log.Debug("final status update failed", zap.Error(err))
	}
	w.postExit(sess, status)
	w.log.Info("session ended",
		zap.String("session_id", w.sessionID), zap.String("status", status))
}

// postExit posts the exit notice. Best effort: a session that never gained
// chat metadata, or a chat outage, only loses the notice.
func (w *Wrapper) postExit(sess *registry.Session, status string) {
	if w.opts.Chat == nil || sess == nil || sess.Channel == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text := ":checkered_flag: Session ended"
	if status == registry.StatusCrashed {
		text = ":boom: Session crashed"
	}
	req := chat.PostRequest{Text: text}
	if !sess.CustomChannel && sess.ThreadTS != "" {
		req.ThreadTS = sess.ThreadTS
	}
	if _, _, err := w.opts.Chat.PostMessage(ctx, sess.Channel, req); err != nil {
		w.log.Debug("exit notice failed", zap.Error(err))
	}
}

// unwind removes per-run filesystem state that must not outlive the wrapper.
func (w *Wrapper) unwind() {
	os.Remove(w.cfg.SessionSocketPath(w.sessionID))
}

// terminalLabel names the hosting terminal for the session list.
func terminalLabel() string {
	if pane := os.Getenv("TMUX_PANE"); pane != "" {
		return "tmux" + pane
	}
	if prog := os.Getenv("TERM_PROGRAM"); prog != "" {
		return prog
	}
	if t := os.Getenv("TERM"); t != "" {
		return t
	}
	return "tty"
}
