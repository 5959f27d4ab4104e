package wrapper

import (
	"os"
	"regexp"
	"sort"
)

var bufferNamePattern = regexp.MustCompile(`^claude_output_(.+)\.txt$`)

// newestBufferSession scans the shared logs directory for raw buffer files
// and returns the session id of the most recently modified one, skipping the
// excluded ids. Used after a session-identity change to discover the agent's
// new session id from the filename it writes under.
func newestBufferSession(logDir string, exclude map[string]bool) (string, bool) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return "", false
	}

	type candidate struct {
		id    string
		mtime int64
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := bufferNamePattern.FindStringSubmatch(e.Name())
		if m == nil || exclude[m[1]] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{id: m[1], mtime: info.ModTime().UnixNano()})
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mtime > found[j].mtime })
	return found[0].id, true
}
