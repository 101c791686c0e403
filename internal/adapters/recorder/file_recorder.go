package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

// record layout: [8 bytes id][2 bytes address len][4 bytes frame len][address][frame]
const recordHeaderLen = 14

const FileName = "frames.log"

// FileRecorder appends raw notifications to a single log file. A torn tail
// left by a crash is truncated on open.
type FileRecorder struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.RecordID
	sizeBytes int64
}

func NewFileRecorder(dir string) (*FileRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	r := &FileRecorder{
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 64<<10),
	}
	if err := r.scanExisting(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *FileRecorder) scanExisting() error {
	rf, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var (
		offset int64
		lastID ports.RecordID
	)
	for {
		id, addrLen, frameLen, err := readHeader(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("recorder scan header: %w", err)
		}
		body := int64(addrLen) + int64(frameLen)
		if _, err := io.CopyN(io.Discard, reader, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("recorder scan body: %w", err)
		}
		offset += recordHeaderLen + body
		lastID = id
	}

	if err := r.file.Truncate(offset); err != nil {
		return err
	}
	r.sizeBytes = offset
	r.nextID = lastID
	return nil
}

func (r *FileRecorder) Record(id domain.PeripheralID, raw []byte) (ports.RecordID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if len(id) > 0xFFFF {
		return 0, fmt.Errorf("recorder: address too long (%d bytes)", len(id))
	}

	rid := r.nextID + 1
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(rid))
	binary.BigEndian.PutUint16(hdr[8:10], uint16(len(id)))
	binary.BigEndian.PutUint32(hdr[10:14], uint32(len(raw)))

	if _, err := r.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := r.writer.WriteString(string(id)); err != nil {
		return 0, err
	}
	if _, err := r.writer.Write(raw); err != nil {
		return 0, err
	}

	r.nextID = rid
	r.sizeBytes += int64(recordHeaderLen + len(id) + len(raw))
	return rid, nil
}

func (r *FileRecorder) Iterate(from ports.RecordID, fn func(id ports.RecordID, peripheral domain.PeripheralID, raw []byte) error) error {
	r.mu.Lock()
	if r.writer != nil {
		if err := r.writer.Flush(); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()

	return IterateFile(r.path, from, fn)
}

// IterateFile reads a recording without opening it for writing, so a
// recording can be inspected while no gateway is running.
func IterateFile(path string, from ports.RecordID, fn func(id ports.RecordID, peripheral domain.PeripheralID, raw []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		id, addrLen, frameLen, err := readHeader(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("recorder: truncated header: %w", err)
		}
		body := make([]byte, int(addrLen)+int(frameLen))
		if _, err := io.ReadFull(reader, body); err != nil {
			return fmt.Errorf("recorder: corrupt record %d: %w", id, err)
		}
		if id < from {
			continue
		}
		if err := fn(id, domain.PeripheralID(body[:addrLen]), body[addrLen:]); err != nil {
			return err
		}
	}
}

func (r *FileRecorder) Stats() ports.RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ports.RecorderStats{Latest: r.nextID, SizeBytes: r.sizeBytes}
}

func (r *FileRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return nil
	}
	return r.writer.Flush()
}

func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := errors.Join(r.writer.Flush(), r.file.Close())
	r.file = nil
	r.writer = nil
	return err
}

func readHeader(r io.Reader) (ports.RecordID, uint16, uint32, error) {
	var hdr [recordHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, 0, err
	}
	return ports.RecordID(binary.BigEndian.Uint64(hdr[0:8])),
		binary.BigEndian.Uint16(hdr[8:10]),
		binary.BigEndian.Uint32(hdr[10:14]),
		nil
}

var _ ports.FrameRecorder = (*FileRecorder)(nil)
