package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/isc-ryoung/remedyd/internal/logging"
	"github.com/isc-ryoung/remedyd/internal/model"
)

const (
	spoolProcessedDir = "processed"
	spoolRejectedDir  = "rejected"
)

// SubmitJSONFunc admits one raw intake payload.
type SubmitJSONFunc func(data []byte) (model.Command, error)

// Spool watches an intake directory for command files. Producers are
// expected to write atomically (temp file plus rename); names starting with
// a dot are skipped as in-progress writes. Each accepted file moves to
// processed/, each rejected one to rejected/ with a .reason sidecar.
type Spool struct {
	dir    string
	submit SubmitJSONFunc
	log    *logging.Component

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewSpool(dir string, submit SubmitJSONFunc, log *logging.Component) *Spool {
	return &Spool{
		dir:    dir,
		submit: submit,
		log:    log,
		seen:   make(map[string]struct{}),
	}
}

// HandleFile processes one spool file. Both the fsnotify path and the
// periodic scan funnel through here; the seen set keeps a file from being
// submitted twice when the two overlap.
func (s *Spool) HandleFile(path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return
	}
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return
	}

	s.mu.Lock()
	if _, dup := s.seen[name]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[name] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.seen, name)
		s.mu.Unlock()
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Errorf("read %s: %v", path, err)
		}
		return
	}

	cmd, err := s.submit(data)
	if err != nil {
		s.log.Warnf("rejected file=%s: %v", name, err)
		s.archive(path, name, spoolRejectedDir, err)
		return
	}

	s.log.Infof("accepted file=%s id=%s kind=%s resource=%s", name, cmd.ID, cmd.Kind, cmd.TargetResource)
	s.archive(path, name, spoolProcessedDir, nil)
}

// Scan sweeps the intake directory for files fsnotify missed, including
// anything spooled while the daemon was down.
func (s *Spool) Scan() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Errorf("scan %s: %v", s.dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		s.HandleFile(filepath.Join(s.dir, entry.Name()))
	}
}

// archive moves a handled file out of the watch directory so it is not
// reprocessed. Rejections get a sidecar recording why.
func (s *Spool) archive(path, name, subdir string, cause error) {
	stamped := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405"), name)
	dest := filepath.Join(s.dir, subdir, stamped)
	if err := os.Rename(path, dest); err != nil {
		s.log.Errorf("archive %s: %v", name, err)
		return
	}
	if cause != nil {
		reason := []byte(cause.Error() + "\n")
		if err := os.WriteFile(dest+".reason", reason, 0644); err != nil {
			s.log.Errorf("write reason for %s: %v", name, err)
		}
	}
}
