package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"mealsnap/internal/domain"
)

// Session describes an in-progress resumable upload. The id doubles as the
// recognition task id once the bytes are assembled.
type Session struct {
	ID             string            `json:"id"`
	DeclaredLength int64             `json:"declared_length"`
	ReceivedBytes  int64             `json:"received_bytes"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Complete reports whether every declared byte has been received.
func (s *Session) Complete() bool {
	return s.ReceivedBytes >= s.DeclaredLength
}

// ChunkStore persists in-progress uploads as a byte blob plus sidecar
// metadata. Appends are strictly in-order: an append is accepted only when
// the claimed offset equals the current received length.
type ChunkStore interface {
	Create(ctx context.Context, id string, declaredLength int64, metadata map[string]string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Append(ctx context.Context, id string, offset int64, chunk []byte) (int64, error)
	ReadAll(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// errInvalidID marks ids that fail the session id pattern, so handlers can
// distinguish a malformed request from a storage failure.
var errInvalidID = errors.New("upload: invalid session id")

// FileStore keeps upload sessions on the local filesystem: a data file per
// session plus a JSON sidecar carrying the declared length and metadata. It
// is intended for single-node deployments and test environments.
type FileStore struct {
	basePath string
	mu       sync.Mutex
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("upload: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("upload: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

func (s *FileStore) dataPath(id string) string {
	return filepath.Join(s.basePath, id+".bin")
}

func (s *FileStore) infoPath(id string) string {
	return filepath.Join(s.basePath, id+".info.json")
}

func validateID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", errInvalidID, id)
	}
	return nil
}

// Create allocates a session. Creating an id that already exists is
// idempotent: the existing session is returned untouched, so a duplicate
// create from a confused client never truncates received bytes.
func (s *FileStore) Create(ctx context.Context, id string, declaredLength int64, metadata map[string]string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	if declaredLength <= 0 {
		return nil, errors.New("upload: declared length must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.readSession(id); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	sess := &Session{
		ID:             id,
		DeclaredLength: declaredLength,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.writeInfo(sess); err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.dataPath(id), nil, 0o644); err != nil {
		return nil, fmt.Errorf("upload: create data file: %w", err)
	}
	return sess, nil
}

// Get returns the session with its current received length.
func (s *FileStore) Get(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSession(id)
}

// Append persists a contiguous chunk. The claimed offset must equal the
// current received length exactly; anything else is ErrOffsetConflict. A
// chunk that would overrun the declared length is rejected before any byte
// is written, and a short write is rolled back by truncation, so an append
// either fully persists or not at all.
func (s *FileStore) Append(ctx context.Context, id string, offset int64, chunk []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateID(id); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.readSession(id)
	if err != nil {
		return 0, err
	}
	if offset != sess.ReceivedBytes {
		return sess.ReceivedBytes, fmt.Errorf("%w: claimed %d, have %d", domain.ErrOffsetConflict, offset, sess.ReceivedBytes)
	}
	if sess.ReceivedBytes+int64(len(chunk)) > sess.DeclaredLength {
		return sess.ReceivedBytes, domain.ErrLengthExceeded
	}
	if len(chunk) == 0 {
		return sess.ReceivedBytes, nil
	}

	f, err := os.OpenFile(s.dataPath(id), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("upload: open data file: %w", err)
	}
	n, werr := f.Write(chunk)
	cerr := f.Close()
	if werr != nil || cerr != nil || n != len(chunk) {
		// Roll the data file back to the pre-append length.
		_ = os.Truncate(s.dataPath(id), sess.ReceivedBytes)
		if werr == nil {
			werr = cerr
		}
		if werr == nil {
			werr = io.ErrShortWrite
		}
		return sess.ReceivedBytes, fmt.Errorf("upload: append chunk: %w", werr)
	}
	return sess.ReceivedBytes + int64(n), nil
}

// ReadAll returns the full assembled byte sequence.
func (s *FileStore) ReadAll(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.dataPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("upload: read data file: %w", err)
	}
	return data, nil
}

// Delete discards the session bytes and sidecar.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.readSession(id); err != nil {
		return err
	}
	if err := os.Remove(s.dataPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("upload: remove data file: %w", err)
	}
	if err := os.Remove(s.infoPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("upload: remove info file: %w", err)
	}
	return nil
}

// List returns every stored session. Used by the janitor to expire stale
// uploads.
func (s *FileStore) List(ctx context.Context) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("upload: list sessions: %w", err)
	}
	var sessions []*Session
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".info.json") {
			continue
		}
		id := strings.TrimSuffix(name, ".info.json")
		sess, err := s.readSession(id)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *FileStore) readSession(id string) (*Session, error) {
	raw, err := os.ReadFile(s.infoPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("upload: read info file: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("upload: decode info file: %w", err)
	}
	fi, err := os.Stat(s.dataPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("upload: stat data file: %w", err)
	}
	sess.ReceivedBytes = fi.Size()
	return &sess, nil
}

func (s *FileStore) writeInfo(sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("upload: encode info file: %w", err)
	}
	if err := os.WriteFile(s.infoPath(sess.ID), raw, 0o644); err != nil {
		return fmt.Errorf("upload: write info file: %w", err)
	}
	return nil
}
