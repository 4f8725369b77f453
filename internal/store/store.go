// Package store is the durable, content-addressed primary store: the
// source of truth for cache entries. Writes are atomic (temp file + fsync +
// rename); reads memory-map the archive and copy the payload and embedding
// bytes out of the mapping, so they are not zero-copy. Reads are
// front-cached by a bounded in-process LRU the way the reference CAS
// implementation caches hot content ahead of disk.
package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blevesearch/mmap-go"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/reflexcache/reflex/internal/jsonx"
	"github.com/reflexcache/reflex/internal/reflexerr"
	"go.uber.org/zap"
)

// schemaVersion is the one-byte archive format tag written after the magic.
const schemaVersion byte = 1

var archiveMagic = [2]byte{'R', 'X'}

// Entry is the immutable cache record described in spec.md §3.
type Entry struct {
	ID             uuid.UUID
	Tenant         string
	ExactKey       [32]byte
	SemanticQuery  string
	ResponsePayload []byte
	EmbeddingF16   []byte // little-endian f16, 2*D bytes
	Dim            int
	CreatedAt      time.Time
	ModelTag       string
	SchemaVersion  byte
}

// archiveHeader is the sidecar metadata serialized via jsonx ahead of the
// raw response payload and embedding bytes in the archive body.
type archiveHeader struct {
	ID            uuid.UUID `json:"id"`
	Tenant        string    `json:"tenant"`
	ExactKey      string    `json:"exact_key"` // hex
	SemanticQuery string    `json:"semantic_query"`
	Dim           int       `json:"dim"`
	CreatedAt     time.Time `json:"created_at"`
	ModelTag      string    `json:"model_tag"`
	PayloadLen    int       `json:"payload_len"`
}

// Handle holds a loaded entry and, when it was read from disk, the mmap
// region of its archive until Close is called. Entry's byte slices are
// copies made during decoding, not views into the region, so they stay
// valid after Close.
type Handle struct {
	Entry  Entry
	region mmap.MMap
}

// Close releases the memory-mapped region backing the handle. Safe to call
// on a Handle obtained from the LRU front cache, where it is a no-op since
// that path owns no mmap region of its own.
func (h *Handle) Close() error {
	if h.region == nil {
		return nil
	}
	return h.region.Unmap()
}

// Store is the primary content-addressed store.
type Store struct {
	root   string
	hot    *lru.Cache[uuid.UUID, Entry]
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithHotCacheSize overrides the default hot-content LRU size.
func WithHotCacheSize(n int) Option {
	return func(s *Store) {
		cache, err := lru.New[uuid.UUID, Entry](n)
		if err == nil {
			s.hot = cache
		}
	}
}

// New creates a Store rooted at root, creating the directory if absent.
func New(root string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, reflexerr.New(reflexerr.StorageUnavailable, "store.New", err)
	}
	hot, err := lru.New[uuid.UUID, Entry](10000)
	if err != nil {
		return nil, fmt.Errorf("store.New: %w", err)
	}
	s := &Store{root: root, hot: hot, logger: logger.Named("store")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) pathFor(tenant string, id uuid.UUID) string {
	return filepath.Join(s.root, tenant, id.String()+".archive")
}

// Write durably persists entry. It writes to a temp file in the tenant
// directory, fsyncs it, then renames it into place, so a crash between
// write and rename never leaves a partially-written archive observable at
// its final path.
func (s *Store) Write(entry Entry) error {
	tenantDir := filepath.Join(s.root, entry.Tenant)
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return reflexerr.New(reflexerr.StorageUnavailable, "store.Write", err)
	}

	body, err := encodeArchive(entry)
	if err != nil {
		return reflexerr.New(reflexerr.StorageCorrupt, "store.Write", err)
	}

	tmp, err := os.CreateTemp(tenantDir, entry.ID.String()+".tmp-*")
	if err != nil {
		return reflexerr.New(reflexerr.StorageUnavailable, "store.Write", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return reflexerr.New(reflexerr.StorageUnavailable, "store.Write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return reflexerr.New(reflexerr.StorageUnavailable, "store.Write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return reflexerr.New(reflexerr.StorageUnavailable, "store.Write", err)
	}

	finalPath := s.pathFor(entry.Tenant, entry.ID)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return reflexerr.New(reflexerr.StorageUnavailable, "store.Write", err)
	}

	s.hot.Add(entry.ID, entry)
	return nil
}

// Load returns a handle for id under tenant, or (nil, false) if
// absent. Archive validation failures quarantine the file with a .corrupt
// suffix and are reported as absent, never as an error to the caller —
// propagation of storage faults for a single entry is tier-local per the
// error-kind propagation policy.
func (s *Store) Load(tenant string, id uuid.UUID) (*Handle, bool) {
	if entry, ok := s.hot.Get(id); ok {
		return &Handle{Entry: entry}, true
	}

	path := s.pathFor(tenant, id)
	region, err := mmapFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("store load failed", zap.String("id", id.String()), zap.Error(err))
		}
		return nil, false
	}

	entry, err := decodeArchive(region)
	if err != nil {
		s.logger.Warn("quarantining corrupt archive",
			zap.String("id", id.String()), zap.Error(err))
		region.Unmap()
		s.quarantine(path)
		return nil, false
	}

	s.hot.Add(id, entry)
	return &Handle{Entry: entry, region: region}, true
}

// Contains reports whether id exists under tenant without loading it.
func (s *Store) Contains(tenant string, id uuid.UUID) bool {
	if _, ok := s.hot.Get(id); ok {
		return true
	}
	_, err := os.Stat(s.pathFor(tenant, id))
	return err == nil
}

func (s *Store) quarantine(path string) {
	if err := os.Rename(path, path+".corrupt"); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to quarantine corrupt archive", zap.String("path", path), zap.Error(err))
	}
}

func mmapFile(path string) (mmap.MMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("empty archive")
	}

	return mmap.Map(f, mmap.RDONLY, 0)
}

// encodeArchive lays out: 2-byte magic, 1-byte schema version, 4-byte
// big-endian header length, JSON header, raw response payload, raw
// embedding bytes.
func encodeArchive(entry Entry) ([]byte, error) {
	header := archiveHeader{
		ID:            entry.ID,
		Tenant:        entry.Tenant,
		ExactKey:      fmt.Sprintf("%x", entry.ExactKey),
		SemanticQuery: entry.SemanticQuery,
		Dim:           entry.Dim,
		CreatedAt:     entry.CreatedAt,
		ModelTag:      entry.ModelTag,
		PayloadLen:    len(entry.ResponsePayload),
	}
	headerBytes, err := jsonx.Marshal(header)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(archiveMagic[:])
	buf.WriteByte(schemaVersion)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(headerBytes)))
	buf.Write(lenBuf)
	buf.Write(headerBytes)
	buf.Write(entry.ResponsePayload)
	buf.Write(entry.EmbeddingF16)
	return buf.Bytes(), nil
}

func decodeArchive(raw []byte) (Entry, error) {
	if len(raw) < 7 || raw[0] != archiveMagic[0] || raw[1] != archiveMagic[1] {
		return Entry{}, fmt.Errorf("bad archive magic")
	}
	version := raw[2]
	if version != schemaVersion {
		return Entry{}, fmt.Errorf("unsupported schema version %d", version)
	}
	headerLen := binary.BigEndian.Uint32(raw[3:7])
	if len(raw) < 7+int(headerLen) {
		return Entry{}, fmt.Errorf("archive truncated before header")
	}

	var header archiveHeader
	if err := jsonx.Unmarshal(raw[7:7+int(headerLen)], &header); err != nil {
		return Entry{}, fmt.Errorf("bad archive header: %w", err)
	}

	body := raw[7+int(headerLen):]
	if len(body) < header.PayloadLen {
		return Entry{}, fmt.Errorf("archive truncated before payload")
	}
	payload := body[:header.PayloadLen]
	embedding := body[header.PayloadLen:]

	if header.Dim > 0 && len(embedding) != 2*header.Dim {
		return Entry{}, fmt.Errorf("embedding length %d does not match recorded dim %d", len(embedding), header.Dim)
	}

	var exactKey [32]byte
	if _, err := fmt.Sscanf(header.ExactKey, "%x", &exactKey); err != nil {
		return Entry{}, fmt.Errorf("bad exact_key encoding: %w", err)
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)
	embeddingCopy := make([]byte, len(embedding))
	copy(embeddingCopy, embedding)

	return Entry{
		ID:              header.ID,
		Tenant:          header.Tenant,
		ExactKey:        exactKey,
		SemanticQuery:   header.SemanticQuery,
		ResponsePayload: payloadCopy,
		EmbeddingF16:    embeddingCopy,
		Dim:             header.Dim,
		CreatedAt:       header.CreatedAt,
		ModelTag:        header.ModelTag,
		SchemaVersion:   version,
	}, nil
}
