package registry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// DialTimeout bounds the full connect/write/read exchange on the registry
// socket. Hook processes must never hang on a wedged daemon.
const DialTimeout = 5 * time.Second

// Client talks to the registry daemon over its unix socket. One connection
// per call; safe for concurrent use.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a client for the registry at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: DialTimeout}
}

// call performs one request/response exchange.
func (c *Client) call(command string, payload any) (*Response, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", command, err)
		}
		data = raw
	}
	req, err := json.Marshal(&Request{Command: command, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("registry unreachable at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := conn.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	line, err := bufio.NewReaderSize(conn, 4096).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("read %s response: %w", command, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", command, err)
	}
	if !resp.Success {
		return &resp, fmt.Errorf("%s: %s", command, resp.Error)
	}
	return &resp, nil
}

// Register creates a session row and kicks off chat-thread setup.
func (c *Client) Register(req *RegisterRequest) (*Session, error) {
	resp, err := c.call(CmdRegister, req)
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// RegisterSimple creates a session row without chat integration.
func (c *Client) RegisterSimple(req *RegisterRequest) (*Session, error) {
	resp, err := c.call(CmdRegisterSimple, req)
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// RegisterExisting re-registers a session id with metadata carried forward
// from a prior row.
func (c *Client) RegisterExisting(sess *Session) error {
	_, err := c.call(CmdRegisterExisting, &RegisterExistingRequest{Session: *sess})
	return err
}

// Unregister removes a session row.
func (c *Client) Unregister(sessionID string) error {
	_, err := c.call(CmdUnregister, &UnregisterRequest{SessionID: sessionID})
	return err
}

// Get fetches one session. Returns ErrNotFound for unknown ids.
func (c *Client) Get(sessionID string) (*Session, error) {
	resp, err := c.call(CmdGet, &GetRequest{SessionID: sessionID})
	if err != nil {
		if resp != nil && isNotFoundMessage(resp.Error) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, err
	}
	return resp.Session, nil
}

// List fetches sessions, optionally filtered by status.
func (c *Client) List(status string) ([]Session, error) {
	resp, err := c.call(CmdList, &ListRequest{Status: status})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Update sets a subset of fields on a session row.
func (c *Client) Update(sessionID string, fields map[string]any) (*Session, error) {
	resp, err := c.call(CmdUpdate, &UpdateRequest{SessionID: sessionID, Fields: fields})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// GetByThread resolves a chat thread to its canonical session.
func (c *Client) GetByThread(threadTS string) (*Session, []Session, error) {
	resp, err := c.call(CmdGetByThread, &GetByThreadRequest{ThreadTS: threadTS})
	if err != nil {
		if resp != nil && isNotFoundMessage(resp.Error) {
			return nil, nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadTS)
		}
		return nil, nil, err
	}
	return resp.Session, resp.Sessions, nil
}

// GetByProjectDir fetches the newest session for a project directory.
func (c *Client) GetByProjectDir(dir, status string) (*Session, error) {
	resp, err := c.call(CmdGetByProjectDir, &GetByProjectDirRequest{ProjectDir: dir, Status: status})
	if err != nil {
		if resp != nil && isNotFoundMessage(resp.Error) {
			return nil, fmt.Errorf("%w: project dir %s", ErrNotFound, dir)
		}
		return nil, err
	}
	return resp.Session, nil
}

// Cleanup removes stale ended/crashed rows, returning how many were deleted.
func (c *Client) Cleanup(maxAge time.Duration) (int, error) {
	resp, err := c.call(CmdCleanup, &CleanupRequest{MaxAgeSecs: int(maxAge / time.Second)})
	if err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

// Attach subscribes a user's DMs to a session. Returns the target session.
func (c *Client) Attach(userID, sessionID, dmChannel string) (*Session, error) {
	resp, err := c.call(CmdAttach, &AttachRequest{
		UserID: userID, SessionID: sessionID, DMChannel: dmChannel,
	})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// Detach removes a user's DM subscription. Idempotent.
func (c *Client) Detach(userID string) error {
	_, err := c.call(CmdDetach, &UserRequest{UserID: userID})
	return err
}

// GetSubscription returns a user's DM subscription, or nil when none exists.
func (c *Client) GetSubscription(userID string) (*DMSubscription, error) {
	resp, err := c.call(CmdGetSubscription, &UserRequest{UserID: userID})
	if err != nil {
		return nil, err
	}
	return resp.Subscription, nil
}

// SetMode stores a user's interaction mode.
func (c *Client) SetMode(userID, mode string) error {
	_, err := c.call(CmdSetMode, &SetModeRequest{UserID: userID, Mode: mode})
	return err
}

// GetMode returns a user's interaction mode.
func (c *Client) GetMode(userID string) (string, error) {
	resp, err := c.call(CmdGetMode, &UserRequest{UserID: userID})
	if err != nil {
		return "", err
	}
	return resp.Mode, nil
}

// Available reports whether a registry daemon answers on the socket.
func (c *Client) Available() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// isNotFoundMessage recovers the ErrNotFound sentinel across the RPC
// boundary, where only the message survives.
func isNotFoundMessage(msg string) bool {
	return strings.HasPrefix(msg, ErrNotFound.Error())
}
