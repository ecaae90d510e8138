package keylease

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KeyStatus is the cached outcome of the most recent probe or attempt for
// one credential.
type KeyStatus string

const (
	StatusOK        KeyStatus = "ok"
	StatusInvalid   KeyStatus = "invalid"
	StatusExhausted KeyStatus = "exhausted"
	StatusSuspended KeyStatus = "suspended"
	StatusError     KeyStatus = "error"
	StatusUnknown   KeyStatus = "unknown"
)

// healthSchemaVersion identifies the on-disk document layout.
const healthSchemaVersion = 1

// HealthRecord is the persisted probe outcome for one fingerprint. Raw
// credentials are never stored here.
type HealthRecord struct {
	Status         KeyStatus `json:"status"`
	LastCheckedAt  time.Time `json:"last_checked_at"`
	LastHTTPStatus int       `json:"last_http_status,omitempty"`
	// RateLimit holds a snapshot of provider rate-limit headers, when the
	// last response carried any.
	RateLimit map[string]string `json:"rate_limit,omitempty"`
}

type healthDocument struct {
	Version   int                     `json:"version"`
	Keys      map[string]HealthRecord `json:"keys"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// HealthStore is a single JSON document mapping fingerprint to health
// record. Every update is read-merge-replace through a temp file and
// rename, so concurrent readers never observe a partial write.
type HealthStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

// NewHealthStore creates a health store backed by the JSON file at path.
func NewHealthStore(path string, logger *zap.Logger) *HealthStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthStore{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

// Get returns the cached record for a fingerprint. Missing fingerprints
// report StatusUnknown.
func (s *HealthStore) Get(fingerprint string) HealthRecord {
	doc, err := s.read()
	if err != nil {
		s.logger.Warn("health state unreadable, treating keys as unknown",
			zap.String("path", s.path),
			zap.Error(err))
		return HealthRecord{Status: StatusUnknown}
	}
	rec, ok := doc.Keys[fingerprint]
	if !ok {
		return HealthRecord{Status: StatusUnknown}
	}
	return rec
}

// Snapshot returns a copy of every cached record.
func (s *HealthStore) Snapshot() map[string]HealthRecord {
	doc, err := s.read()
	if err != nil {
		return map[string]HealthRecord{}
	}
	out := make(map[string]HealthRecord, len(doc.Keys))
	for fp, rec := range doc.Keys {
		out[fp] = rec
	}
	return out
}

// Record merges one probe outcome into the document and replaces it
// atomically.
func (s *HealthStore) Record(fingerprint string, rec HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		// A corrupt document is rebuilt rather than blocking all updates.
		s.logger.Warn("rebuilding corrupt health state",
			zap.String("path", s.path),
			zap.Error(err))
		doc = &healthDocument{Version: healthSchemaVersion, Keys: map[string]HealthRecord{}}
	}

	if rec.LastCheckedAt.IsZero() {
		rec.LastCheckedAt = s.now()
	}
	doc.Keys[fingerprint] = rec
	doc.UpdatedAt = s.now()
	doc.Version = healthSchemaVersion

	return s.write(doc)
}

// MarkStatus is a convenience wrapper recording just a status and the HTTP
// status that produced it.
func (s *HealthStore) MarkStatus(fingerprint string, status KeyStatus, httpStatus int) error {
	return s.Record(fingerprint, HealthRecord{
		Status:         status,
		LastCheckedAt:  s.now(),
		LastHTTPStatus: httpStatus,
	})
}

func (s *HealthStore) read() (*healthDocument, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &healthDocument{Version: healthSchemaVersion, Keys: map[string]HealthRecord{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read health state: %w", err)
	}

	var doc healthDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse health state: %w", err)
	}
	if doc.Keys == nil {
		doc.Keys = map[string]HealthRecord{}
	}
	return &doc, nil
}

func (s *HealthStore) write(doc *healthDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create health state dir: %w", err)
	}

	// 原子写: 写入临时文件后重命名
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write health state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// rank orders statuses for candidate selection: healthier first. Lower is
// better.
func (st KeyStatus) rank() int {
	switch st {
	case StatusOK:
		return 0
	case StatusUnknown:
		return 1
	case StatusError, StatusSuspended:
		return 2
	case StatusExhausted:
		return 3
	case StatusInvalid:
		return 4
	default:
		return 1
	}
}
