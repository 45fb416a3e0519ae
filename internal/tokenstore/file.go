package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"stockexchange/internal/model"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// ErrCorruptFile is returned by writes when the token file cannot be parsed.
// The file is left untouched.
var ErrCorruptFile = errors.New("token file is corrupt")

// FileStore keeps tokens in a JSON file. A missing file is an empty list.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store backed by path. The file is created on first write.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("token file path is required")
	}
	return &FileStore{path: path}, nil
}

// List returns the tokens in insertion order. A corrupt file lists as empty.
func (s *FileStore) List(context.Context) ([]model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if errors.Is(err, ErrCorruptFile) {
		log.Warn().Err(err).Str("path", s.path).Msg("ignoring unreadable token file")
		return []model.Token{}, nil
	}
	return tokens, err
}

// Add appends token unless its address is already tracked.
func (s *FileStore) Add(_ context.Context, token model.Token) (bool, error) {
	if token.Address == (common.Address{}) {
		return false, ErrZeroAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return false, err
	}
	for _, t := range tokens {
		if key(t.Address) == key(token.Address) {
			return false, nil
		}
	}
	return true, s.save(append(tokens, token))
}

// Remove drops address and rewrites the file if it was tracked.
func (s *FileStore) Remove(_ context.Context, address common.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return false, err
	}
	kept := tokens[:0]
	for _, t := range tokens {
		if key(t.Address) != key(address) {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(tokens) {
		return false, nil
	}
	return true, s.save(kept)
}

// Close is a no-op; every write is flushed before it returns.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() ([]model.Token, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []model.Token{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var tokens []model.Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptFile, s.path, err)
	}
	return dedupe(tokens), nil
}

// save writes through a temporary file so readers never see a partial list.
func (s *FileStore) save(tokens []model.Token) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
