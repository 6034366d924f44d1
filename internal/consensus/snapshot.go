package consensus

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	"github.com/klauspost/compress/zstd"

	"github.com/robustmq/robustmq/internal/kv"
)

// fsmSnapshot implements raft.FSMSnapshot by framing the group's KV
// entries as (keyLen, key, valLen, value) tuples through a zstd
// encoder.
type fsmSnapshot struct {
	store  kv.Store
	prefix kv.Key
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	enc, err := zstd.NewWriter(sink)
	if err != nil {
		sink.Cancel()
		return err
	}

	ctx := context.Background()
	for entry, err := range s.store.Snapshot(ctx, s.prefix) {
		if err != nil {
			enc.Close()
			sink.Cancel()
			return err
		}
		// Frame keys relative to the group prefix; restoreSnapshot
		// prepends the prefix again.
		entry.Key = entry.Key[len(s.prefix):]
		if err := writeFramedEntry(enc, entry); err != nil {
			enc.Close()
			sink.Cancel()
			return err
		}
	}

	if err := enc.Close(); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func writeFramedEntry(w io.Writer, entry kv.Entry) error {
	keyBytes := []byte(entry.Key.String())
	if err := writeUint32Prefixed(w, keyBytes); err != nil {
		return err
	}
	return writeUint32Prefixed(w, entry.Value)
}

func writeUint32Prefixed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(b) > 0 {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func readUint32Prefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// restoreSnapshot replays a framed, zstd-compressed snapshot stream into
// store, scoping every key under prefix, in batches of batchSize
// entries.
func restoreSnapshot(ctx context.Context, r io.Reader, store kv.Store, prefix kv.Key, batchSize int) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()

	batch := make([]kv.Entry, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.BatchSet(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		keyBytes, err := readUint32Prefixed(dec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		valBytes, err := readUint32Prefixed(dec)
		if err != nil {
			return err
		}

		key := append(append(kv.Key{}, prefix...), splitKeyString(string(keyBytes))...)
		batch = append(batch, kv.Entry{Key: key, Value: valBytes})
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func splitKeyString(s string) kv.Key {
	if s == "" {
		return kv.Key{}
	}
	return kv.Key(strings.Split(s, string(kv.DefaultSeparator)))
}

// SnapshotMeta is the sidecar metadata persisted next to each snapshot
// file: the last applied log position, the membership at snapshot time,
// and the snapshot id.
type SnapshotMeta struct {
	SnapshotID         string              `json:"snapshot_id"`
	Index              uint64              `json:"last_log_index"`
	Term               uint64              `json:"last_log_term"`
	Configuration      raft.Configuration  `json:"last_membership"`
	ConfigurationIndex uint64              `json:"configuration_index"`
	Version            raft.SnapshotVersion `json:"version"`
	Size               int64               `json:"size"`
}

// FileSnapshotStore implements raft.SnapshotStore with an atomic
// publish layout: `<id>.bin.dumping` written then renamed
// to `<id>.bin`, a `.meta` sidecar, and a `<machine>.last_snapshot_id`
// pointer file. Garbage collection keeps the 5 most recent snapshots.
type FileSnapshotStore struct {
	dir     string
	machine string
	retain  int
}

// NewFileSnapshotStore creates a snapshot store rooted at dir, naming
// files after machine (typically "<group>-<node_id>").
func NewFileSnapshotStore(dir, machine string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSnapshotStore{dir: dir, machine: machine, retain: 5}, nil
}

func (f *FileSnapshotStore) binPath(id string) string     { return filepath.Join(f.dir, id+".bin") }
func (f *FileSnapshotStore) dumpingPath(id string) string { return filepath.Join(f.dir, id+".bin.dumping") }
func (f *FileSnapshotStore) metaPath(id string) string    { return filepath.Join(f.dir, id+".bin.meta") }
func (f *FileSnapshotStore) pointerPath() string {
	return filepath.Join(f.dir, f.machine+".last_snapshot_id")
}

func (f *FileSnapshotStore) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, configurationIndex uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	id := fmt.Sprintf("%s-%d", f.machine, time.Now().UnixNano())
	file, err := os.Create(f.dumpingPath(id))
	if err != nil {
		return nil, err
	}
	return &fileSnapshotSink{
		store: f,
		id:    id,
		file:  file,
		meta: SnapshotMeta{
			SnapshotID:         id,
			Index:              index,
			Term:               term,
			Configuration:      configuration,
			ConfigurationIndex: configurationIndex,
			Version:            version,
		},
	}, nil
}

func (f *FileSnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	metas, err := f.listMeta()
	if err != nil {
		return nil, err
	}
	out := make([]*raft.SnapshotMeta, 0, len(metas))
	for _, m := range metas {
		out = append(out, toRaftMeta(m))
	}
	return out, nil
}

func (f *FileSnapshotStore) listMeta() ([]SnapshotMeta, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var metas []SnapshotMeta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin.meta") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.dir, e.Name()))
		if err != nil {
			continue
		}
		var m SnapshotMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Index != metas[j].Index {
			return metas[i].Index > metas[j].Index
		}
		return metas[i].SnapshotID > metas[j].SnapshotID
	})
	return metas, nil
}

func (f *FileSnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	raw, err := os.ReadFile(f.metaPath(id))
	if err != nil {
		return nil, nil, err
	}
	var m SnapshotMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, err
	}
	file, err := os.Open(f.binPath(id))
	if err != nil {
		return nil, nil, err
	}
	return toRaftMeta(m), file, nil
}

func toRaftMeta(m SnapshotMeta) *raft.SnapshotMeta {
	return &raft.SnapshotMeta{
		ID:                 m.SnapshotID,
		Index:              m.Index,
		Term:               m.Term,
		Configuration:       m.Configuration,
		ConfigurationIndex: m.ConfigurationIndex,
		Version:            m.Version,
		Size:               m.Size,
	}
}

// gc removes all but the retain most recent snapshots for this group.
func (f *FileSnapshotStore) gc() error {
	metas, err := f.listMeta()
	if err != nil {
		return err
	}
	if len(metas) <= f.retain {
		return nil
	}
	for _, m := range metas[f.retain:] {
		os.Remove(f.binPath(m.SnapshotID))
		os.Remove(f.metaPath(m.SnapshotID))
	}
	return nil
}

// LastSnapshotID returns the pointer file's contents, or "" if no
// snapshot has ever been published.
func (f *FileSnapshotStore) LastSnapshotID() (string, error) {
	raw, err := os.ReadFile(f.pointerPath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// fileSnapshotSink implements raft.SnapshotSink: writes to a `.dumping`
// file, and on Close atomically renames to `<id>.bin`, writes the `.meta`
// sidecar, updates the `last_snapshot_id` pointer file, and runs GC.
type fileSnapshotSink struct {
	store *FileSnapshotStore
	id    string
	file  *os.File
	meta  SnapshotMeta
	size  int64
	done  bool
}

func (s *fileSnapshotSink) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	s.size += int64(n)
	return n, err
}

func (s *fileSnapshotSink) ID() string { return s.id }

func (s *fileSnapshotSink) Cancel() error {
	s.file.Close()
	return os.Remove(s.store.dumpingPath(s.id))
}

func (s *fileSnapshotSink) Close() error {
	// Persist closes the sink and the raft library closes it again once
	// Persist returns; the second call is a no-op.
	if s.done {
		return nil
	}
	s.done = true
	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(s.store.dumpingPath(s.id), s.store.binPath(s.id)); err != nil {
		return err
	}

	s.meta.Size = s.size
	raw, err := json.Marshal(s.meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.store.metaPath(s.id), raw, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(s.store.pointerPath(), []byte(s.id), 0o644); err != nil {
		return err
	}
	return s.store.gc()
}
