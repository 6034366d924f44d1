// Package segmentfile reads and writes the append-only segment files:
// a magic header followed by record frames, each frame
// `length | checksum | envelope bytes`. A single Writer exclusively owns
// a file handle while its segment is in Write status; Readers open
// separate handles and read positionally.
package segmentfile

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/robustmq/robustmq/internal/rerror"
)

// Magic opens every segment file.
var Magic = [4]byte{'R', 'B', 'M', 'Q'}

// headerSize is the byte length of the file header (magic only).
const headerSize = 4

// frameHeaderSize is the per-record prefix: 4-byte big-endian envelope
// length followed by 4-byte CRC-32 (IEEE) of the envelope bytes.
const frameHeaderSize = 8

// ErrChecksum is returned when a frame's stored CRC does not match its
// envelope bytes.
var ErrChecksum = rerror.New(rerror.IO, "segmentfile: checksum mismatch")

// Path returns the file path for one segment: a per-shard directory with
// the file name encoding the segment sequence.
func Path(root, namespace, shardName string, segmentSeq uint32) string {
	return filepath.Join(root, namespace, shardName, fmt.Sprintf("%010d.log", segmentSeq))
}

// Writer appends record frames to one segment file.
type Writer struct {
	f    *os.File
	size int64
}

// Create opens (or resumes) the segment file at path for appending,
// writing the magic header if the file is new.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, rerror.Wrap(rerror.IO, err, "segmentfile: mkdir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, rerror.Wrap(rerror.IO, err, "segmentfile: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, rerror.Wrap(rerror.IO, err, "segmentfile: stat")
	}
	w := &Writer{f: f, size: info.Size()}
	if w.size == 0 {
		if _, err := f.Write(Magic[:]); err != nil {
			f.Close()
			return nil, rerror.Wrap(rerror.IO, err, "segmentfile: write magic")
		}
		w.size = headerSize
	}
	return w, nil
}

// Append marshals envelope and writes one frame, returning the file
// position the frame starts at (usable for positional reads).
func (w *Writer) Append(envelope interface{}) (position int64, err error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return 0, rerror.Wrap(rerror.IO, err, "segmentfile: marshal envelope")
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))
	copy(frame[frameHeaderSize:], body)

	position = w.size
	if _, err := w.f.Write(frame); err != nil {
		return 0, rerror.Wrap(rerror.IO, err, "segmentfile: append")
	}
	w.size += int64(len(frame))
	return position, nil
}

// Size returns the current file size in bytes, the roll-over trigger
// input.
func (w *Writer) Size() int64 { return w.size }

// Truncate discards everything at or after size, used to roll back a
// failed batch so the file never carries torn frames.
func (w *Writer) Truncate(size int64) error {
	if size < headerSize {
		size = headerSize
	}
	if err := w.f.Truncate(size); err != nil {
		return rerror.Wrap(rerror.IO, err, "segmentfile: truncate")
	}
	w.size = size
	return nil
}

// Sync flushes the file to stable storage.
func (w *Writer) Sync() error {
	if err := w.f.Sync(); err != nil {
		return rerror.Wrap(rerror.IO, err, "segmentfile: sync")
	}
	return nil
}

// Close syncs and closes the file handle; called when the segment is
// sealed or the writer GC evicts an idle writer.
func (w *Writer) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return rerror.Wrap(rerror.IO, err, "segmentfile: sync on close")
	}
	return w.f.Close()
}

// Reader reads record frames from a segment file.
type Reader struct {
	f *os.File
}

// Open opens the segment file at path for reading, validating the magic
// header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, rerror.Wrap(rerror.IO, err, "segmentfile: open %s", path)
	}
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		f.Close()
		return nil, rerror.Wrap(rerror.IO, err, "segmentfile: read magic")
	}
	if magic != Magic {
		f.Close()
		return nil, rerror.New(rerror.IO, "segmentfile: bad magic in %s", path)
	}
	return &Reader{f: f}, nil
}

// ReadAt decodes the single frame starting at position into envelope,
// returning the position of the next frame.
func (r *Reader) ReadAt(position int64, envelope interface{}) (next int64, err error) {
	header := make([]byte, frameHeaderSize)
	if _, err := r.f.ReadAt(header, position); err != nil {
		return 0, frameReadErr(err)
	}
	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])

	body := make([]byte, length)
	if _, err := r.f.ReadAt(body, position+frameHeaderSize); err != nil {
		return 0, frameReadErr(err)
	}
	if crc32.ChecksumIEEE(body) != sum {
		return 0, ErrChecksum
	}
	if err := json.Unmarshal(body, envelope); err != nil {
		return 0, rerror.Wrap(rerror.IO, err, "segmentfile: decode envelope")
	}
	return position + frameHeaderSize + int64(length), nil
}

// Scan calls fn for every frame from position to the end of the file,
// passing each frame's raw envelope bytes and start position. fn
// returning false stops the scan early.
func (r *Reader) Scan(position int64, fn func(position int64, envelope []byte) bool) error {
	if position < headerSize {
		position = headerSize
	}
	if _, err := r.f.Seek(position, io.SeekStart); err != nil {
		return rerror.Wrap(rerror.IO, err, "segmentfile: seek")
	}
	br := bufio.NewReader(r.f)
	for {
		header := make([]byte, frameHeaderSize)
		if _, err := io.ReadFull(br, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return frameReadErr(err)
		}
		length := binary.BigEndian.Uint32(header[0:4])
		sum := binary.BigEndian.Uint32(header[4:8])

		body := make([]byte, length)
		if _, err := io.ReadFull(br, body); err != nil {
			return frameReadErr(err)
		}
		if crc32.ChecksumIEEE(body) != sum {
			return ErrChecksum
		}
		if !fn(position, body) {
			return nil
		}
		position += frameHeaderSize + int64(length)
	}
}

// Close releases the read handle.
func (r *Reader) Close() error { return r.f.Close() }

func frameReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return rerror.Wrap(rerror.IO, err, "segmentfile: truncated frame")
	}
	return rerror.Wrap(rerror.IO, err, "segmentfile: read frame")
}
