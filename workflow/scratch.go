package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// resolveScratchBase picks the root for per-node work directories:
// explicit argument, then CRY_SCRATCH_BASE, then CRY23_SCRDIR, then the
// system temp directory.
func resolveScratchBase(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv("CRY_SCRATCH_BASE"); v != "" {
		return v
	}
	if v := os.Getenv("CRY23_SCRDIR"); v != "" {
		return v
	}
	return os.TempDir()
}

var unsafePathChars = regexp.MustCompile(`[^\w\-]`)

// scratchManager allocates work directories and tracks them for conditional
// cleanup: directories of workflows in terminal state are removed, directories
// of still-running workflows are preserved.
type scratchManager struct {
	base string

	mu   sync.Mutex
	dirs map[string]string // work dir -> workflow id
}

func newScratchManager(base string) *scratchManager {
	return &scratchManager{
		base: resolveScratchBase(base),
		dirs: make(map[string]string),
	}
}

// createWorkDir allocates a fresh directory whose name encodes workflow id,
// node id, timestamp, and pid to avoid collisions. A short random suffix
// keeps rapid resubmissions of the same node apart.
func (s *scratchManager) createWorkDir(workflowID, nodeID string) (string, error) {
	safeWorkflow := unsafePathChars.ReplaceAllString(workflowID, "_")
	safeNode := unsafePathChars.ReplaceAllString(nodeID, "_")
	name := fmt.Sprintf("workflow_%s_node_%s_%s_%d_%s",
		safeWorkflow, safeNode, time.Now().Format("20060102_150405"), os.Getpid(), shortuuid.New())
	dir := filepath.Join(s.base, name)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.dirs[dir] = workflowID
	s.mu.Unlock()
	return dir, nil
}

// cleanupTerminal removes the directories of every workflow the predicate
// reports as terminal. Best effort; errors are ignored so shutdown never
// fails on scratch leftovers.
func (s *scratchManager) cleanupTerminal(isTerminal func(workflowID string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for dir, workflowID := range s.dirs {
		if !isTerminal(workflowID) {
			continue
		}
		_ = os.RemoveAll(dir)
		delete(s.dirs, dir)
	}
}
