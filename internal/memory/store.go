package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/entity"
)

const (
	fileMode = os.FileMode(0o600)
	dirMode  = os.FileMode(0o700)

	sessionFile = "session.json"
	journalFile = "journal.jsonl"
)

// Store persists sessions as one directory per session holding session.json
// plus its backup and a compaction journal. Writes to the same session are
// serialized; different sessions proceed independently.
type Store struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates the session directory if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, entity.WrapError(entity.CodeCreateDirFailed,
			fmt.Sprintf("create session dir %s", dir), err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.sessionDir(id), sessionFile)
}

// lockFor returns the per-session mutex, creating it on first use.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func validateID(id string) error {
	if !entity.ValidSessionID(id) {
		return entity.NewError(entity.CodeInvalidSessionID,
			fmt.Sprintf("session id %q must match [A-Za-z0-9_-]{1,128}", id))
	}
	return nil
}

// Create makes a new empty active session. An existing session with the same
// id is an error; use Open for load-or-create semantics.
func (s *Store) Create(id string) (*entity.Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(s.path(id)); err == nil {
		return nil, entity.NewError(entity.CodeBadRequest,
			fmt.Sprintf("session %q already exists", id))
	}

	now := time.Now().UTC()
	sess := &entity.Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    entity.SessionActive,
		Messages:  []entity.Message{},
	}
	if err := s.persistLocked(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Open loads a session, creating it when absent.
func (s *Store) Open(id string) (*entity.Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	l := s.lockFor(id)
	l.Lock()
	sess, err := s.loadLocked(id)
	l.Unlock()
	if err == nil {
		return sess, nil
	}
	if entity.CodeOf(err) == entity.CodeNotFound {
		return s.Create(id)
	}
	return nil, err
}

// LoadSession loads an existing session, recovering from the backup when the
// primary file is damaged.
func (s *Store) LoadSession(id string) (*entity.Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.loadLocked(id)
}

// AppendMessage appends msg to the session, assigning the next monotonic id,
// and persists atomically. The stored message is returned.
func (s *Store) AppendMessage(id string, msg entity.Message) (entity.Message, error) {
	if err := validateID(id); err != nil {
		return entity.Message{}, err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sess, err := s.loadLocked(id)
	if err != nil {
		return entity.Message{}, err
	}

	msg.ID = sess.NextMessageID()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	sess.Messages = append(sess.Messages, msg)
	sess.TotalMessages = len(sess.Messages)

	if err := s.persistLocked(sess); err != nil {
		return entity.Message{}, err
	}
	return msg, nil
}

// ReplacePrefix swaps the first prefixLen messages for the replacement slice
// in one atomic write, bumping the compaction counter. The replaced messages
// are appended to the session's journal first, so pre-compaction history
// survives on disk. Replacement messages are renumbered from 1; the surviving
// tail keeps its ids, so ids stay monotonic.
func (s *Store) ReplacePrefix(id string, prefixLen int, replacement []entity.Message) (*entity.Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sess, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if prefixLen < 0 || prefixLen > len(sess.Messages) {
		return nil, entity.NewError(entity.CodeBadRequest,
			fmt.Sprintf("prefix length %d out of range [0,%d]", prefixLen, len(sess.Messages)))
	}
	if len(replacement) > prefixLen {
		return nil, entity.NewError(entity.CodeBadRequest,
			"replacement may not be longer than the prefix it replaces")
	}

	if err := s.journalLocked(id, sess.Messages[:prefixLen]); err != nil {
		return nil, err
	}

	tail := sess.Messages[prefixLen:]
	merged := make([]entity.Message, 0, len(replacement)+len(tail))
	for i, m := range replacement {
		m.ID = i + 1
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		merged = append(merged, m)
	}
	merged = append(merged, tail...)

	sess.Messages = merged
	sess.TotalMessages = len(merged)
	sess.CompactionCount++

	if err := s.persistLocked(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SetStatus updates the archival status.
func (s *Store) SetStatus(id string, status entity.SessionStatus) error {
	if err := validateID(id); err != nil {
		return err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sess, err := s.loadLocked(id)
	if err != nil {
		return err
	}
	sess.Status = status
	return s.persistLocked(sess)
}

// Summary is session metadata without the message payload.
type Summary struct {
	ID              string               `json:"id"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	Status          entity.SessionStatus `json:"status"`
	TotalMessages   int                  `json:"total_messages"`
	CompactionCount int                  `json:"compaction_count"`
}

// QuerySessions lists sessions, newest first. Damaged files are skipped with
// a warning rather than failing the listing.
func (s *Store) QuerySessions() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, entity.WrapError(entity.CodeReadDirFailed,
			fmt.Sprintf("list session dir %s", s.dir), err)
	}

	var out []Summary
	for _, e := range entries {
		id := e.Name()
		if !e.IsDir() || !entity.ValidSessionID(id) {
			continue
		}
		sess, err := s.LoadSession(id)
		if err != nil {
			s.logger.Warn("Skipping unreadable session",
				zap.String("session_id", id),
				zap.Error(err),
			)
			continue
		}
		out = append(out, Summary{
			ID:              sess.ID,
			CreatedAt:       sess.CreatedAt,
			UpdatedAt:       sess.UpdatedAt,
			Status:          sess.Status,
			TotalMessages:   sess.TotalMessages,
			CompactionCount: sess.CompactionCount,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes the session directory: primary, backup, and journal.
func (s *Store) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	dir := s.sessionDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return entity.NewError(entity.CodeNotFound,
			fmt.Sprintf("session %q not found", id))
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete session %q: %w", id, err)
	}
	return nil
}

// loadLocked reads and decodes the session file. A damaged primary is
// archived aside and the backup tried; only when both are unusable does the
// load fail as CORRUPT.
func (s *Store) loadLocked(id string) (*entity.Session, error) {
	path := s.path(id)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		sess := &entity.Session{}
		if jsonErr := json.Unmarshal(data, sess); jsonErr == nil {
			return sess, nil
		}
		archived := archiveCorrupt(path)
		s.logger.Warn("Session file corrupt, trying backup",
			zap.String("session_id", id),
			zap.String("archived", archived),
		)
	case os.IsNotExist(err):
		// Primary missing but a backup may survive, e.g. after a crash
		// mid-write or a manual deletion.
	default:
		return nil, entity.WrapError(entity.CodeCorrupt,
			fmt.Sprintf("read session %q", id), err)
	}

	bak, bakErr := os.ReadFile(path + backupSuffix)
	if bakErr != nil {
		if os.IsNotExist(err) && os.IsNotExist(bakErr) {
			return nil, entity.NewError(entity.CodeNotFound,
				fmt.Sprintf("session %q not found", id))
		}
		return nil, entity.NewError(entity.CodeCorrupt,
			fmt.Sprintf("session %q unreadable and no usable backup", id))
	}

	sess := &entity.Session{}
	if jsonErr := json.Unmarshal(bak, sess); jsonErr != nil {
		return nil, entity.WrapError(entity.CodeCorrupt,
			fmt.Sprintf("session %q and its backup are both corrupt", id), jsonErr)
	}

	s.logger.Info("Recovered session from backup", zap.String("session_id", id))
	if err := s.persistLocked(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) persistLocked(sess *entity.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %q: %w", sess.ID, err)
	}
	if err := os.MkdirAll(s.sessionDir(sess.ID), dirMode); err != nil {
		return entity.WrapError(entity.CodeCreateDirFailed,
			fmt.Sprintf("create session dir for %q", sess.ID), err)
	}
	if err := writeFileAtomic(s.path(sess.ID), data, fileMode); err != nil {
		return fmt.Errorf("persist session %q: %w", sess.ID, err)
	}
	return nil
}

// journalLocked appends messages to the session's journal, one JSON line
// each. The journal is append-only: compaction trims the live transcript but
// never the journal.
func (s *Store) journalLocked(id string, msgs []entity.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(s.sessionDir(id), journalFile),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, fileMode)
	if err != nil {
		return fmt.Errorf("open journal for session %q: %w", id, err)
	}
	defer f.Close()

	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal journal entry for session %q: %w", id, err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append journal for session %q: %w", id, err)
		}
	}
	return nil
}
