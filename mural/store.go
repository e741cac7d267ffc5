package mural

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

const recordSchemaJSON = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "worldName", "x1", "y1", "z1", "x2", "y2", "z2", "imageUrl", "facing"],
    "properties": {
      "id":          {"type": "string", "minLength": 1},
      "worldName":   {"type": "string", "minLength": 1},
      "x1":          {"type": "integer"},
      "y1":          {"type": "integer"},
      "z1":          {"type": "integer"},
      "x2":          {"type": "integer"},
      "y2":          {"type": "integer"},
      "z2":          {"type": "integer"},
      "imageUrl":    {"type": "string"},
      "facing":      {"enum": ["NORTH", "SOUTH", "EAST", "WEST"]},
      "tileIds":     {"type": ["array", "null"], "items": {"type": "integer"}},
      "artifactIds": {"type": ["array", "null"], "items": {"type": "string"}},
      "createdAt":   {"type": "integer"}
    }
  }
}`

var recordSchema = jsonschema.MustCompileString("mem://muralwall/murals.schema.json", recordSchemaJSON)

// BackupPath returns where the compressed previous generation of the
// record file at path is kept.
func BackupPath(path string) string {
	return path + ".bak.zst"
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithBackup keeps a zstd-compressed copy of the previous record file on
// every save and falls back to it when the main file is unreadable.
func WithBackup(enabled bool) StoreOption {
	return func(s *Store) {
		s.backup = enabled
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		s.log = l
	}
}

// WithStoreClock overrides the creation timestamp source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// Store holds every mural record in memory and persists the whole
// collection to a single JSON file.
type Store struct {
	mu      sync.RWMutex
	path    string
	backup  bool
	records []*Record
	now     func() time.Time
	log     *zap.Logger
}

// NewStore creates an empty store persisting to path.
func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{
		path: path,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Path returns the record file location.
func (s *Store) Path() string {
	return s.path
}

// Create registers a new record with empty tile and artifact lists.
func (s *Store) Create(region Region, imageURL string, facing Facing) *Record {
	r := &Record{
		ID:          uuid.NewString(),
		WorldName:   region.World,
		X1:          region.Min.X,
		Y1:          region.Min.Y,
		Z1:          region.Min.Z,
		X2:          region.Max.X,
		Y2:          region.Max.Y,
		Z2:          region.Max.Z,
		ImageURL:    imageURL,
		Facing:      facing,
		TileIDs:     []TileID{},
		ArtifactIDs: []ArtifactID{},
		CreatedAt:   s.now().UnixMilli(),
	}

	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()

	s.log.Info("mural created", zap.String("id", r.ID), zap.String("region", region.String()), zap.String("facing", string(facing)))
	return r.clone()
}

// List returns copies of all records in creation order.
func (s *Store) List() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.clone()
	}
	return out
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.find(id); r != nil {
		return r.clone(), true
	}
	return nil, false
}

// Count returns the number of records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Update applies fn to the stored record under the store lock.
func (s *Store) Update(id string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(id)
	if r == nil {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	fn(r)
	return nil
}

// Remove deletes the record and returns what it held.
func (s *Store) Remove(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return r, true
		}
	}
	return nil, false
}

// FindByArtifact returns the record that owns the artifact.
func (s *Store) FindByArtifact(id ArtifactID) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.HasArtifact(id) {
			return r.clone(), true
		}
	}
	return nil, false
}

func (s *Store) find(id string) *Record {
	for _, r := range s.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// SaveAll writes every record to the record file. The file is replaced
// atomically so a crash leaves either the previous or the new contents.
func (s *Store) SaveAll() error {
	s.mu.RLock()
	snapshot := make([]*Record, len(s.records))
	for i, r := range s.records {
		snapshot[i] = r.clone()
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: fmt.Errorf("marshaling records: %w", err)}
	}

	if s.backup {
		if err := backupFile(s.path); err != nil {
			// A missing backup must not block saving the live file.
			s.log.Warn("backup failed", zap.String("path", s.path), zap.Error(err))
		}
	}

	if err := writeFileAtomic(s.path, append(data, '\n')); err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	s.log.Debug("records saved", zap.String("path", s.path), zap.Int("count", len(snapshot)))
	return nil
}

// LoadAll replaces the in-memory records with the file contents and
// returns how many were loaded. A missing file yields zero records and no
// error. An unreadable file also leaves the store usable: the backup is
// tried when enabled, otherwise the store is emptied, and the returned
// *PersistenceError describes what was lost.
func (s *Store) LoadAll() (int, error) {
	records, err := ReadRecordFile(s.path)
	if err != nil && s.backup {
		s.log.Warn("record file unreadable, trying backup", zap.String("path", s.path), zap.Error(err))
		if restored, berr := readBackup(s.path); berr == nil {
			records = restored
		} else {
			s.log.Warn("backup unreadable", zap.String("path", BackupPath(s.path)), zap.Error(berr))
		}
	}
	if err != nil && records == nil {
		s.log.Error("loading records failed, starting empty", zap.String("path", s.path), zap.Error(err))
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()

	s.log.Info("records loaded", zap.String("path", s.path), zap.Int("count", len(records)))
	return len(records), err
}

// ReadRecordFile parses a record file without touching any store. A
// missing file is not an error.
func ReadRecordFile(path string) ([]*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	return records, nil
}

func decodeRecords(data []byte) ([]*Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing records: %w", err)
	}
	if err := recordSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validating records: %w", err)
	}

	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}
	for _, r := range records {
		if r.TileIDs == nil {
			r.TileIDs = []TileID{}
		}
		if r.ArtifactIDs == nil {
			r.ArtifactIDs = []ArtifactID{}
		}
	}
	return records, nil
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// backupFile compresses the current contents of path into BackupPath(path).
func backupFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer src.Close()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return writeFileAtomic(BackupPath(path), buf.Bytes())
}

func readBackup(path string) ([]*Record, error) {
	f, err := os.Open(BackupPath(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompressing backup: %w", err)
	}
	return decodeRecords(data)
}
