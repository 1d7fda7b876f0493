package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/entity"
)

// Plan is one stored plan artifact. The markdown body lives next to the
// metadata as plan.md so humans can read and edit it directly.
type Plan struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Content   string    `json:"-"`
}

const (
	planFile = "plan.md"
	metaFile = "meta.json"
)

// Store persists plans as one directory per session: a session has at most
// one active plan, and saving again overwrites it.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates the plan root directory if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, entity.WrapError(entity.CodeCreateDirFailed,
			fmt.Sprintf("create plan dir %s", dir), err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) planDir(id string) string {
	return filepath.Join(s.dir, id)
}

func validateID(id string) error {
	if !entity.ValidSessionID(id) {
		return entity.NewError(entity.CodeInvalidSessionID,
			fmt.Sprintf("session id %q must match [A-Za-z0-9_-]{1,128}", id))
	}
	return nil
}

// Save writes the session's plan body and metadata, creating or overwriting.
// The plan is keyed by its session id; a second save for the same session
// replaces the plan but keeps its creation time.
func (s *Store) Save(p *Plan) (*Plan, error) {
	if p.SessionID == "" {
		p.SessionID = p.ID
	}
	if err := validateID(p.SessionID); err != nil {
		return nil, err
	}
	p.ID = p.SessionID

	dir := s.planDir(p.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, entity.WrapError(entity.CodeCreateDirFailed,
			fmt.Sprintf("create plan dir %s", dir), err)
	}

	now := time.Now().UTC()
	if existing, err := s.Load(p.ID); err == nil {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if err := os.WriteFile(filepath.Join(dir, planFile), []byte(p.Content), 0o600); err != nil {
		return nil, fmt.Errorf("write plan body: %w", err)
	}
	meta, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal plan meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), meta, 0o600); err != nil {
		return nil, fmt.Errorf("write plan meta: %w", err)
	}
	return p, nil
}

// Load reads a plan and its body.
func (s *Store) Load(id string) (*Plan, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	dir := s.planDir(id)

	meta, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, entity.NewError(entity.CodeNotFound,
				fmt.Sprintf("plan %q not found", id))
		}
		return nil, fmt.Errorf("read plan meta: %w", err)
	}
	p := &Plan{}
	if err := json.Unmarshal(meta, p); err != nil {
		return nil, entity.WrapError(entity.CodeCorrupt,
			fmt.Sprintf("plan %q metadata corrupt", id), err)
	}

	body, err := os.ReadFile(filepath.Join(dir, planFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read plan body: %w", err)
	}
	p.Content = string(body)
	return p, nil
}

// List returns plan metadata, newest first. Bodies are not loaded.
func (s *Store) List() ([]*Plan, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, entity.WrapError(entity.CodeReadDirFailed,
			fmt.Sprintf("list plan dir %s", s.dir), err)
	}

	var out []*Plan
	for _, e := range entries {
		if !e.IsDir() || !entity.ValidSessionID(e.Name()) {
			continue
		}
		meta, err := os.ReadFile(filepath.Join(s.planDir(e.Name()), metaFile))
		if err != nil {
			continue
		}
		p := &Plan{}
		if err := json.Unmarshal(meta, p); err != nil {
			s.logger.Warn("Skipping plan with corrupt metadata", zap.String("plan_id", e.Name()))
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes a session's plan directory.
func (s *Store) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	dir := s.planDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return entity.NewError(entity.CodeNotFound,
			fmt.Sprintf("plan %q not found", id))
	}
	return os.RemoveAll(dir)
}
