// Package respfile implements the response-file rendezvous between the
// listener (writer) and a blocking hook (reader). One pending interactive
// prompt maps to one JSON file named <session_id>_<request_id>.json; an
// adjacent .lock file mediates access so accumulating writes never race a
// read-and-delete.
package respfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	// PollInterval is how often a blocking hook checks for a response.
	PollInterval = 500 * time.Millisecond

	// StaleAge is how old an orphaned response file must be before the
	// sweep removes it.
	StaleAge = 300 * time.Second

	lockTimeout = 5 * time.Second
)

// Permission decisions.
const (
	DecisionAllow       = "allow"
	DecisionAllowAlways = "allow_always"
	DecisionDeny        = "deny"
)

// Permission is the response to a permission prompt.
type Permission struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Path returns the response file path for one prompt.
func Path(dir, sessionID, requestID string) string {
	return filepath.Join(dir, sessionID+"_"+requestID+".json")
}

func lockPath(path string) string {
	return path + ".lock"
}

// withLock runs fn holding the exclusive advisory lock for path.
func withLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create response dir: %w", err)
	}
	lk := flock.New(lockPath(path))
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	ok, err := lk.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", lockPath(path), err)
	}
	if !ok {
		return fmt.Errorf("lock %s busy", lockPath(path))
	}
	defer lk.Unlock()
	return fn()
}

// WritePermission records a permission decision. Overwrites any prior
// response for the same prompt.
func WritePermission(path string, resp *Permission) error {
	return withLock(path, func() error {
		data, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode permission response: %w", err)
		}
		return writeAtomic(path, data)
	})
}

// TakePermission reads and deletes a permission response. Returns (nil, nil)
// when no response exists yet. Corrupt JSON deletes the file and counts as
// no response.
func TakePermission(path string) (*Permission, error) {
	var resp *Permission
	err := withLock(path, func() error {
		data, err := takeFile(path)
		if err != nil || data == nil {
			return err
		}
		var p Permission
		if err := json.Unmarshal(data, &p); err != nil {
			return nil
		}
		resp = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Keep the lock file while the prompt is still pending: unlinking it
	// under a concurrent writer's flock would break mutual exclusion.
	if resp != nil {
		removeLock(path)
	}
	return resp, nil
}

// Merge folds fields into the accumulating response file, creating it if
// absent. Used by the listener as each user action arrives.
func Merge(path string, fields map[string]any) error {
	return withLock(path, func() error {
		merged := make(map[string]any)
		if data, err := os.ReadFile(path); err == nil {
			// Corrupt accumulation restarts from this write.
			json.Unmarshal(data, &merged)
		}
		for k, v := range fields {
			merged[k] = v
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		return writeAtomic(path, data)
	})
}

// MergeOption folds one option selection into the accumulating response.
// A second selection for the same question turns the answer into a list
// (multi-select); duplicate selections are ignored. Extra fields (user id,
// timestamp) are merged alongside.
func MergeOption(path string, questionIndex int, value string, extra map[string]any) error {
	return withLock(path, func() error {
		merged := make(map[string]any)
		if data, err := os.ReadFile(path); err == nil {
			json.Unmarshal(data, &merged)
		}
		key := QuestionKey(questionIndex)
		switch existing := merged[key].(type) {
		case nil:
			merged[key] = value
		case string:
			if existing != value {
				merged[key] = []any{existing, value}
			}
		case []any:
			dup := false
			for _, v := range existing {
				if v == value {
					dup = true
				}
			}
			if !dup {
				merged[key] = append(existing, value)
			}
		default:
			merged[key] = value
		}
		for k, v := range extra {
			merged[k] = v
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		return writeAtomic(path, data)
	})
}

// Load reads the accumulated response without consuming it. Returns an
// empty map when the file is absent or corrupt; the listener uses this to
// find the first unanswered question.
func Load(path string) (map[string]any, error) {
	merged := make(map[string]any)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		// Skip the lock so a settled prompt does not grow a fresh lock file.
		return merged, nil
	}
	err := withLock(path, func() error {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		json.Unmarshal(data, &merged)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// QuestionKey names the answer field for question i.
func QuestionKey(i int) string {
	return "question_" + strconv.Itoa(i)
}

// QuestionTextKey names the free-text field for an "other" answer.
func QuestionTextKey(i int) string {
	return QuestionKey(i) + "_text"
}

// IsComplete reports whether every question in [0, numQuestions) has an
// answer in the accumulated map.
func IsComplete(data map[string]any, numQuestions int) bool {
	for i := 0; i < numQuestions; i++ {
		if _, ok := data[QuestionKey(i)]; !ok {
			return false
		}
	}
	return numQuestions > 0
}

// TakeComplete reads and deletes the accumulated response once it answers
// every question. Returns (nil, nil) while incomplete or absent. Corrupt
// JSON deletes the file and counts as no response.
func TakeComplete(path string, numQuestions int) (map[string]any, error) {
	var result map[string]any
	err := withLock(path, func() error {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		var merged map[string]any
		if err := json.Unmarshal(data, &merged); err != nil {
			os.Remove(path)
			return nil
		}
		if !IsComplete(merged, numQuestions) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove response: %w", err)
		}
		result = merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		removeLock(path)
	}
	return result, nil
}

// WaitPermission polls until a response arrives, the timeout passes, or the
// context ends. Timeout returns (nil, nil): the terminal prompt takes over.
func WaitPermission(ctx context.Context, path string, timeout time.Duration) (*Permission, error) {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := TakePermission(path)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
		if time.Now().After(deadline) {
			removeLock(path)
			return nil, nil
		}
		select {
		case <-ctx.Done():
			removeLock(path)
			return nil, ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

// WaitComplete polls until the accumulated response answers every question,
// the timeout passes, or the context ends. Timeout returns (nil, nil).
func WaitComplete(ctx context.Context, path string, numQuestions int, timeout time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for {
		data, err := TakeComplete(path, numQuestions)
		if err != nil {
			return nil, err
		}
		if data != nil {
			return data, nil
		}
		if time.Now().After(deadline) {
			cleanupAbandoned(path)
			return nil, nil
		}
		select {
		case <-ctx.Done():
			cleanupAbandoned(path)
			return nil, ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

// SweepStale removes response and lock files older than age. Returns how
// many response files were removed.
func SweepStale(dir string, age time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".json.lock") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(dir, name)) == nil && strings.HasSuffix(name, ".json") {
			removed++
		}
	}
	return removed
}

// takeFile reads then deletes a file. Missing file returns (nil, nil).
func takeFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove response: %w", err)
	}
	return data, nil
}

// writeAtomic writes via a temp file and rename so readers never observe a
// torn file even without the lock.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish response: %w", err)
	}
	return nil
}

// removeLock drops the lock sibling once the prompt is settled. The hook
// exit invariant is that neither the response file nor its lock remains.
func removeLock(path string) {
	os.Remove(lockPath(path))
}

// cleanupAbandoned removes both files when a wait gives up. A response that
// lands after the timeout would otherwise linger until the stale sweep.
func cleanupAbandoned(path string) {
	os.Remove(path)
	removeLock(path)
}
