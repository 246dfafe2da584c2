// Package blob implements the content-addressed blob store. A blob's ref is
// the lowercase hex SHA-256 of its payload; payloads are immutable and writes
// are idempotent. Metadata (size, kind, redaction trail) lives in a JSON
// sidecar next to the payload file.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"sibyl/internal/logging"
)

// Kind classifies blob contents.
type Kind string

const (
	KindPrompt         Kind = "prompt"
	KindResponse       Kind = "response"
	KindContext        Kind = "context"
	KindError          Kind = "error"
	KindSummary        Kind = "summary"
	KindSessionSummary Kind = "session_summary"
)

// Info describes a stored blob.
type Info struct {
	Ref          string    `json:"ref"`
	Size         int64     `json:"size"`
	Kind         Kind      `json:"kind"`
	Redacted     bool      `json:"redacted,omitempty"`
	AppliedRules []string  `json:"applied_rules,omitempty"`
	PreimageHMAC string    `json:"preimage_hmac,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
}

// Store is a filesystem-backed content-addressed store.
type Store struct {
	baseDir  string
	redactor *Redactor // nil disables redaction
}

// Option configures a Store.
type Option func(*Store)

// WithRedactor installs a redaction pipeline applied before hashing.
func WithRedactor(r *Redactor) Option {
	return func(s *Store) { s.redactor = r }
}

// NewStore creates a store rooted at baseDir, creating it if needed.
func NewStore(baseDir string, opts ...Option) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("blob store base dir required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	s := &Store{baseDir: baseDir}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put stores payload and returns its content ref. Redaction, when configured,
// transforms the payload before hashing and records the applied rules plus an
// HMAC of the pre-image so audits can match redacted blobs to known inputs.
// Put is idempotent: storing the same content twice returns the same ref.
func (s *Store) Put(payload []byte, kind Kind) (string, error) {
	info := Info{Kind: kind, StoredAt: time.Now().UTC()}

	if s.redactor != nil {
		redacted, rules := s.redactor.Apply(payload)
		if len(rules) > 0 {
			info.Redacted = true
			info.AppliedRules = rules
			info.PreimageHMAC = s.redactor.PreimageHMAC(payload)
			payload = redacted
		}
	}

	sum := sha256.Sum256(payload)
	ref := hex.EncodeToString(sum[:])
	info.Ref = ref
	info.Size = int64(len(payload))

	path := s.payloadPath(ref)
	if _, err := os.Stat(path); err == nil {
		logging.BlobDebug("put dedup hit: ref=%s size=%d", ref, len(payload))
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("ensure blob dir: %w", err)
	}

	// Write payload via temp file + rename so a crash never leaves a
	// half-written blob under its final name.
	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename blob: %w", err)
	}

	meta, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshal blob meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(ref), meta, 0644); err != nil {
		return "", fmt.Errorf("write blob meta: %w", err)
	}

	logging.BlobDebug("put: ref=%s kind=%s size=%d redacted=%v", ref, kind, len(payload), info.Redacted)
	return ref, nil
}

// Get returns the payload for ref.
func (s *Store) Get(ref string) ([]byte, error) {
	data, err := os.ReadFile(s.payloadPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s not found", ref)
		}
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

// Stat returns metadata for ref without reading the payload.
func (s *Store) Stat(ref string) (Info, error) {
	data, err := os.ReadFile(s.metaPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("blob %s not found", ref)
		}
		return Info{}, fmt.Errorf("read blob meta %s: %w", ref, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parse blob meta %s: %w", ref, err)
	}
	return info, nil
}

// URL returns the storage URL for ref (file:// for the filesystem backend).
func (s *Store) URL(ref string) string {
	abs, err := filepath.Abs(s.payloadPath(ref))
	if err != nil {
		abs = s.payloadPath(ref)
	}
	return (&url.URL{Scheme: "file", Path: abs}).String()
}

// payloadPath shards blobs by the first two hex chars to keep dirs small.
func (s *Store) payloadPath(ref string) string {
	if len(ref) < 2 {
		return filepath.Join(s.baseDir, ref)
	}
	return filepath.Join(s.baseDir, ref[:2], ref)
}

func (s *Store) metaPath(ref string) string {
	return s.payloadPath(ref) + ".meta.json"
}
