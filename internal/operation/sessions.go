package operation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// ErrAlreadyRunning is returned when a plugin's previous operation is still going.
var ErrAlreadyRunning = errors.New("operation already running")

// session is one operation: its blackboard and its lifetime.
type session struct {
	id      string
	plugin  string
	board   *blackboard.Blackboard
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// sessionTable holds the latest session of every plugin. A finished session
// stays visible to polls until the next request for the same plugin.
type sessionTable struct {
	mu       sync.RWMutex
	byPlugin map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{byPlugin: make(map[string]*session)}
}

// begin installs s unless the plugin's current session is still running,
// in which case that session is returned with ErrAlreadyRunning.
func (t *sessionTable) begin(s *session) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.byPlugin[s.plugin]; ok && !cur.finished() {
		return cur, ErrAlreadyRunning
	}
	t.byPlugin[s.plugin] = s
	return s, nil
}

func (t *sessionTable) get(plugin string) (*session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byPlugin[plugin]
	return s, ok
}

// remove drops s if it is still the plugin's current session.
func (t *sessionTable) remove(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byPlugin[s.plugin] == s {
		delete(t.byPlugin, s.plugin)
	}
}

// list returns every session ordered by plugin name.
func (t *sessionTable) list() []*session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*session, 0, len(t.byPlugin))
	for _, s := range t.byPlugin {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].plugin < out[j].plugin })
	return out
}

// snapshot is the reply form of s.
func (s *session) snapshot() types.Document {
	return s.board.Get()
}
