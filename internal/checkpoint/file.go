package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	logFile      = "log.jsonl"
	snapshotFile = "snapshot.json"
	lockFile     = "lock"
)

type lockInfo struct {
	Token      Token     `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileStore keeps one directory per run key holding an append-only entry log,
// an indented snapshot and a lock file.
type FileStore struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
	alive  func(pid int) bool

	mu sync.Mutex
}

func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger, now: time.Now, alive: processAlive}, nil
}

func (s *FileStore) runDir(key string) string { return filepath.Join(s.dir, key) }

func (s *FileStore) Lock(_ context.Context, key string) (Token, error) {
	if err := os.MkdirAll(s.runDir(key), 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	token, err := s.createLock(key)
	if !errors.Is(err, ErrConcurrentRun) {
		return token, err
	}

	holder, _ := s.readLock(key)
	if !s.stale(holder) {
		return "", err
	}
	s.logger.Warn("Removing stale checkpoint lock",
		zap.String("run_key", key),
		zap.Int("pid", holder.PID),
		zap.String("host", holder.Host),
		zap.Time("acquired_at", holder.AcquiredAt),
	)
	// Another process may have replaced the stale lock in the meantime.
	if current, _ := s.readLock(key); current != nil && current.Token != holder.Token {
		return "", err
	}
	if err := os.Remove(filepath.Join(s.runDir(key), lockFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove stale lock: %w", err)
	}
	return s.createLock(key)
}

// stale reports whether the lock holder is a dead process on this host. Locks
// taken on other hosts are never considered stale.
func (s *FileStore) stale(holder *lockInfo) bool {
	if holder == nil || holder.PID <= 0 {
		return false
	}
	host, err := os.Hostname()
	if err != nil || host != holder.Host {
		return false
	}
	return !s.alive(holder.PID)
}

func (s *FileStore) createLock(key string) (Token, error) {
	path := filepath.Join(s.runDir(key), lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			holder, _ := s.readLock(key)
			if holder != nil {
				return "", fmt.Errorf("%w: %s (pid %d on %s since %s)", ErrConcurrentRun, key, holder.PID, holder.Host, holder.AcquiredAt.Format(time.RFC3339))
			}
			return "", fmt.Errorf("%w: %s", ErrConcurrentRun, key)
		}
		return "", fmt.Errorf("create lock: %w", err)
	}
	defer f.Close()

	host, _ := os.Hostname()
	info := lockInfo{Token: Token(uuid.NewString()), PID: os.Getpid(), Host: host, AcquiredAt: s.now().UTC()}
	if err := json.NewEncoder(f).Encode(info); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write lock: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("sync lock: %w", err)
	}

	return info.Token, nil
}

func (s *FileStore) Unlock(_ context.Context, key string, token Token) error {
	if err := s.checkToken(key, token); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.runDir(key), lockFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

func (s *FileStore) ForceUnlock(_ context.Context, key string) error {
	if err := os.Remove(filepath.Join(s.runDir(key), lockFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, key string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(key)
}

func (s *FileStore) Append(_ context.Context, key string, token Token, meta Meta, entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkToken(key, token); err != nil {
		return err
	}

	cp, err := s.load(key)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = New(key, meta, s.now().UTC())
	}

	added := cp.Add(entries...)
	if err := s.appendLog(key, added); err != nil {
		return err
	}

	cp.Meta = cp.Meta.merge(meta)
	cp.UpdatedAt = s.now().UTC()

	return s.writeSnapshot(key, cp)
}

func (s *FileStore) Finalize(_ context.Context, key string, token Token, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkToken(key, token); err != nil {
		return err
	}

	cp, err := s.load(key)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = New(key, meta, s.now().UTC())
	}

	cp.Meta = cp.Meta.merge(meta)
	cp.Finalized = true
	cp.UpdatedAt = s.now().UTC()

	return s.writeSnapshot(key, cp)
}

func (s *FileStore) load(key string) (*Checkpoint, error) {
	var cp *Checkpoint

	data, err := os.ReadFile(filepath.Join(s.runDir(key), snapshotFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read snapshot: %w", err)
	default:
		cp = &Checkpoint{}
		if err := json.Unmarshal(data, cp); err != nil {
			return nil, fmt.Errorf("%w: decode snapshot of %s: %v", ErrCorrupt, key, err)
		}
		if err := cp.Validate(); err != nil {
			return nil, fmt.Errorf("snapshot of %s: %w", key, err)
		}
		cp.recount()
	}

	logged, err := s.readLog(key)
	if err != nil {
		return nil, err
	}
	if len(logged) == 0 {
		return cp, nil
	}

	if cp == nil {
		cp = New(key, Meta{}, s.now().UTC())
	}
	if replayed := cp.Add(logged...); len(replayed) > 0 {
		s.logger.Info("replayed checkpoint log entries missing from snapshot",
			zap.String("run_key", key),
			zap.Int("entries", len(replayed)),
		)
	}

	return cp, nil
}

// readLog decodes the entry log. A torn final line from an interrupted write is dropped.
func (s *FileStore) readLog(key string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(s.runDir(key), logFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var (
		entries []Entry
		pending error
		line    int
	)

	reader := bufio.NewReader(f)
	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			line++
			if pending != nil {
				return nil, pending
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil || e.Record.ID == "" {
				pending = fmt.Errorf("%w: log of %s line %d", ErrCorrupt, key, line)
			} else {
				entries = append(entries, e)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read log: %w", readErr)
		}
	}

	if pending != nil {
		s.logger.Warn("ignoring torn last line of checkpoint log", zap.String("run_key", key), zap.Int("line", line))
	}

	return entries, nil
}

func (s *FileStore) appendLog(key string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	path := filepath.Join(s.runDir(key), logFile)
	if err := s.repairLog(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry %s: %w", e.Record.ID, err)
		}
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}

	return nil
}

// repairLog cuts a torn last line so that new entries start on a fresh line.
func (s *FileStore) repairLog(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}

	size := int64(bytes.LastIndexByte(data, '\n') + 1)
	s.logger.Warn("truncating torn checkpoint log tail", zap.String("path", path), zap.Int64("size", size))
	if err := os.Truncate(path, size); err != nil {
		return fmt.Errorf("truncate log: %w", err)
	}
	return nil
}

func (s *FileStore) writeSnapshot(key string, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := s.runDir(key)
	tmp, err := os.CreateTemp(dir, snapshotFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, snapshotFile)); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	return nil
}

func (s *FileStore) readLock(key string) (*lockInfo, error) {
	data, err := os.ReadFile(filepath.Join(s.runDir(key), lockFile))
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *FileStore) checkToken(key string, token Token) error {
	info, err := s.readLock(key)
	if err != nil || info.Token != token || token == "" {
		return fmt.Errorf("%w: %s", ErrLockLost, key)
	}
	return nil
}
