package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slackwire/slackwire/internal/chat"
)

const (
	// acceptPoll is the accept-deadline granularity; shutdown latency is
	// bounded by it.
	acceptPoll = 1 * time.Second

	// connTimeout bounds a single request/response exchange.
	connTimeout = 10 * time.Second
)

// ServerOptions configures a registry daemon.
type ServerOptions struct {
	SocketPath     string
	DefaultChannel string
	// Chat resolves channels and posts session threads on REGISTER. Nil
	// disables chat integration; rows are created without metadata.
	Chat chat.Client
	Log  *zap.Logger
}

// Server owns the session table and serves the registry protocol on a unix
// socket. All writes to the table go through this process.
type Server struct {
	store *Store
	opts  ServerOptions
	log   *zap.Logger

	ln       net.Listener
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer wraps an open store.
func NewServer(store *Store, opts ServerOptions) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store: store,
		opts:  opts,
		log:   log,
		done:  make(chan struct{}),
	}
}

// Start binds the socket and begins accepting. A stale socket file from a
// crashed daemon is removed first; a live daemon holding it is an error.
func (s *Server) Start() error {
	path := s.opts.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		conn, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("registry already running on %s", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
		s.log.Info("removed stale registry socket", zap.String("path", path))
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("registry listening", zap.String("socket", path))
	return nil
}

// Stop closes the listener and waits for in-flight connections. Safe to call
// more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.ln != nil {
			s.ln.Close()
		}
		s.wg.Wait()
		os.Remove(s.opts.SocketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		if ul, ok := s.ln.(*net.UnixListener); ok {
			ul.SetDeadline(time.Now().Add(acceptPoll))
		}
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	reader := bufio.NewReaderSize(conn, 4096)
	line, err := readLimitedLine(reader, MaxRequestSize)
	if err != nil {
		if errors.Is(err, errRequestTooLarge) {
			// The client may still be mid-write behind a full socket
			// buffer; consume the rest so it reaches the read for our
			// response instead of blocking forever on its write.
			drainRequest(conn, reader)
		}
		s.log.Debug("bad request line", zap.Error(err))
		writeResponse(conn, errorResponse(err))
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		writeResponse(conn, errorResponse(fmt.Errorf("malformed request: %w", err)))
		return
	}

	resp := s.dispatch(&req)
	if !resp.Success {
		s.log.Debug("request failed",
			zap.String("command", req.Command), zap.String("error", resp.Error))
	}
	writeResponse(conn, resp)
}

// errRequestTooLarge marks an oversize request line.
var errRequestTooLarge = errors.New("request too large")

// readLimitedLine reads one newline-terminated line of at most max bytes.
// EOF before a newline is accepted so clients may close after writing.
func readLimitedLine(r *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > max {
			return nil, fmt.Errorf("%w: exceeds %d bytes", errRequestTooLarge, max)
		}
		if err == nil {
			return buf[:len(buf)-1], nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			return buf, nil
		}
		return nil, err
	}
}

// drainRequest consumes the remainder of an oversized request: until the
// terminating newline, EOF, or a quiet period meaning the client is done
// writing and now waits for the response.
func drainRequest(conn net.Conn, r *bufio.Reader) {
	for {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			break
		}
	}
	conn.SetDeadline(time.Now().Add(connTimeout))
}

func writeResponse(conn net.Conn, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"success":false,"error":"internal encoding failure"}`)
	}
	conn.Write(append(data, '\n'))
}

func (s *Server) dispatch(req *Request) *Response {
	switch req.Command {
	case CmdRegister:
		return s.handleRegister(req.Data, true)
	case CmdRegisterSimple:
		return s.handleRegister(req.Data, false)
	case CmdRegisterExisting:
		return s.handleRegisterExisting(req.Data)
	case CmdUnregister:
		return s.handleUnregister(req.Data)
	case CmdGet:
		return s.handleGet(req.Data)
	case CmdList:
		return s.handleList(req.Data)
	case CmdUpdate:
		return s.handleUpdate(req.Data)
	case CmdGetByThread:
		return s.handleGetByThread(req.Data)
	case CmdGetByProjectDir:
		return s.handleGetByProjectDir(req.Data)
	case CmdCleanup:
		return s.handleCleanup(req.Data)
	case CmdAttach:
		return s.handleAttach(req.Data)
	case CmdDetach:
		return s.handleDetach(req.Data)
	case CmdGetSubscription:
		return s.handleGetSubscription(req.Data)
	case CmdSetMode:
		return s.handleSetMode(req.Data)
	case CmdGetMode:
		return s.handleGetMode(req.Data)
	default:
		return errorResponse(fmt.Errorf("unknown command %q", req.Command))
	}
}

// handleRegister creates the row immediately and, for full registrations,
// resolves the chat destination in the background so wrapper startup never
// blocks on the chat API.
func (s *Server) handleRegister(data json.RawMessage, withChat bool) *Response {
	var reg RegisterRequest
	if err := json.Unmarshal(data, &reg); err != nil {
		return errorResponse(fmt.Errorf("malformed register payload: %w", err))
	}
	if reg.SessionID == "" || reg.Project == "" || reg.Terminal == "" || reg.SocketPath == "" {
		return errorResponse(errors.New("register requires session_id, project, terminal, socket_path"))
	}

	sess := &Session{
		SessionID:     reg.SessionID,
		Project:       reg.Project,
		ProjectDir:    reg.ProjectDir,
		Terminal:      reg.Terminal,
		SocketPath:    reg.SocketPath,
		BufferFile:    reg.BufferFile,
		CustomChannel: reg.Channel != "",
		Status:        StatusActive,
	}
	if err := s.store.Create(sess); err != nil {
		return errorResponse(err)
	}

	if withChat && s.opts.Chat != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.setupChat(sess.SessionID, reg)
		}()
	}
	return &Response{Success: true, Session: sess}
}

// setupChat resolves the session's channel and posts its parent thread
// message, then writes the resulting metadata back onto the row. Failures are
// logged, not fatal: a session without chat metadata still works locally and
// heals on the next hook invocation.
func (s *Server) setupChat(sessionID string, reg RegisterRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	name := reg.Channel
	custom := name != ""
	if !custom {
		name = s.opts.DefaultChannel
	}
	channelID, err := ResolveChannel(ctx, s.opts.Chat, name)
	if err != nil {
		s.log.Warn("channel resolution failed",
			zap.String("session_id", sessionID), zap.String("channel", name), zap.Error(err))
		return
	}

	fields := map[string]any{"channel": channelID}
	if custom {
		// Custom channels run in channel mode: posts go top-level, so no
		// parent thread is created.
		fields["custom_channel"] = true
	} else {
		text := fmt.Sprintf(":computer: *%s* — `%s` on %s", reg.Project, sessionID, reg.Terminal)
		_, ts, err := s.opts.Chat.PostMessage(ctx, channelID, chat.PostRequest{Text: text})
		if err != nil {
			s.log.Warn("session thread creation failed",
				zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		fields["thread_ts"] = ts
	}

	if err := s.store.UpdateFields(sessionID, fields); err != nil {
		s.log.Warn("metadata write-back failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// handleRegisterExisting re-registers a session discovered after a session
// change, carrying forward the prior row's chat metadata. Idempotent: a row
// that already exists is updated in place.
func (s *Server) handleRegisterExisting(data json.RawMessage) *Response {
	var reg RegisterExistingRequest
	if err := json.Unmarshal(data, &reg); err != nil {
		return errorResponse(fmt.Errorf("malformed register_existing payload: %w", err))
	}
	sess := reg.Session
	if sess.SessionID == "" {
		return errorResponse(errors.New("register_existing requires session.session_id"))
	}
	if sess.Status == "" {
		sess.Status = StatusActive
	}

	err := s.store.Create(&sess)
	if errors.Is(err, ErrDuplicate) {
		fields := map[string]any{
			"socket_path": sess.SocketPath,
			"buffer_file": sess.BufferFile,
			"status":      sess.Status,
		}
		if sess.Channel != "" {
			fields["channel"] = sess.Channel
		}
		if sess.ThreadTS != "" {
			fields["thread_ts"] = sess.ThreadTS
		}
		err = s.store.UpdateFields(sess.SessionID, fields)
	}
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Session: &sess}
}

func (s *Server) handleUnregister(data json.RawMessage) *Response {
	var req UnregisterRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(fmt.Errorf("malformed unregister payload: %w", err))
	}
	if err := s.store.Delete(req.SessionID); err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true}
}

func (s *Server) handleGet(data json.RawMessage) *Response {
	var req GetRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(fmt.Errorf("malformed get payload: %w", err))
	}
	sess, err := s.store.Get(req.SessionID)
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Session: sess}
}

func (s *Server) handleList(data json.RawMessage) *Response {
	var req ListRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return errorResponse(fmt.Errorf("malformed list payload: %w", err))
		}
	}
	rows, err := s.store.List(req.Status)
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Sessions: rows}
}

func (s *Server) handleUpdate(data json.RawMessage) *Response {
	var req UpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(fmt.Errorf("malformed update payload: %w", err))
	}
	if req.SessionID == "" {
		return errorResponse(errors.New("update requires session_id"))
	}
	if status, ok := req.Fields["status"].(string); ok {
		valid := false
		for _, v := range ValidStatuses {
			if v == status {
				valid = true
			}
		}
		if !valid {
			return errorResponse(fmt.Errorf("invalid status %q", status))
		}
	}
	if err := s.store.UpdateFields(req.SessionID, req.Fields); err != nil {
		return errorResponse(err)
	}
	sess, err := s.store.Get(req.SessionID)
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Session: sess}
}

func (s *Server) handleGetByThread(data json.RawMessage) *Response {
	var req GetByThreadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(fmt.Errorf("malformed get_by_thread payload: %w", err))
	}
	rows, err := s.store.GetByThread(req.ThreadTS)
	if err != nil {
		return errorResponse(err)
	}
	if len(rows) == 0 {
		return errorResponse(fmt.Errorf("%w: thread %s", ErrNotFound, req.ThreadTS))
	}
	return &Response{Success: true, Sessions: rows, Session: PreferWrapper(rows)}
}

func (s *Server) handleGetByProjectDir(data json.RawMessage) *Response {
	var req GetByProjectDirRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(fmt.Errorf("malformed get_by_project_dir payload: %w", err))
	}
	sess, err := s.store.GetByProjectDir(req.ProjectDir, req.Status)
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Session: sess}
}

// defaultCleanupAge matches the daemon's periodic sweep.
const defaultCleanupAge = 24 * time.Hour

func (s *Server) handleCleanup(data json.RawMessage) *Response {
	var req CleanupRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return errorResponse(fmt.Errorf("malformed cleanup payload: %w", err))
		}
	}
	age := defaultCleanupAge
	if req.MaxAgeSecs > 0 {
		age = time.Duration(req.MaxAgeSecs) * time.Second
	}
	deleted, err := s.store.CleanupOld(age)
	if err != nil {
		return errorResponse(err)
	}
	s.archiveSessions(deleted)
	return &Response{Success: true, Deleted: len(deleted)}
}

// archiveSessions posts a terminal status line to each deleted session's
// chat destination so its thread visibly closes. Best effort; rows are
// already gone.
func (s *Server) archiveSessions(deleted []Session) {
	for _, sess := range deleted {
		s.log.Info("cleaned up stale session",
			zap.String("session_id", sess.SessionID),
			zap.String("status", sess.Status))
		if s.opts.Chat == nil || sess.Channel == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		text := fmt.Sprintf(":file_cabinet: Session `%s` archived (%s)", sess.SessionID, sess.Status)
		req := chat.PostRequest{Text: text}
		if !sess.CustomChannel && sess.ThreadTS != "" {
			req.ThreadTS = sess.ThreadTS
		}
		if _, _, err := s.opts.Chat.PostMessage(ctx, sess.Channel, req); err != nil {
			s.log.Debug("archive post failed",
				zap.String("session_id", sess.SessionID), zap.Error(err))
		}
		cancel()
	}
}

func (s *Server) handleAttach(data json.RawMessage) *Response {
	var req AttachRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(fmt.Errorf("malformed attach payload: %w", err))
	}
	if req.UserID == "" || req.SessionID == "" {
		return errorResponse(errors.New("attach requires user_id and session_id"))
	}
	sess, err := s.store.Get(req.SessionID)
	if err != nil {
		return errorResponse(err)
	}
	if sess.Status == StatusEnded || sess.Status == StatusCrashed {
		return errorResponse(fmt.Errorf("session %s has %s", sess.SessionID, sess.Status))
	}
	sub := &DMSubscription{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		DMChannel: req.DMChannel,
	}
	if err := s.store.Attach(sub); err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Subscription: sub, Session: sess}
}

func (s *Server) handleDetach(data json.RawMessage) *Response {
	var req UserRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(fmt.Errorf("malformed detach payload: %w", err))
	}
	if err := s.store.Detach(req.UserID); err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true}
}

func (s *Server) handleGetSubscription(data json.RawMessage) *Response {
	var req UserRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(fmt.Errorf("malformed get_subscription payload: %w", err))
	}
	sub, err := s.store.GetSubscription(req.UserID)
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Subscription: sub}
}

func (s *Server) handleSetMode(data json.RawMessage) *Response {
	var req SetModeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(fmt.Errorf("malformed set_mode payload: %w", err))
	}
	if err := s.store.SetMode(req.UserID, req.Mode); err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Mode: req.Mode}
}

func (s *Server) handleGetMode(data json.RawMessage) *Response {
	var req UserRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(fmt.Errorf("malformed get_mode payload: %w", err))
	}
	mode, err := s.store.GetMode(req.UserID)
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Mode: mode}
}

// RunCleanupLoop sweeps stale rows until the context ends. Intended to run
// alongside the accept loop in the daemon.
func (s *Server) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.store.CleanupOld(defaultCleanupAge)
			if err != nil {
				s.log.Warn("cleanup sweep failed", zap.Error(err))
				continue
			}
			s.archiveSessions(deleted)
		}
	}
}

// SocketPath returns the bound socket path.
func (s *Server) SocketPath() string {
	return s.opts.SocketPath
}
