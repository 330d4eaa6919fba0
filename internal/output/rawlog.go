package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const rawLogMagic = "PMSRAW01"

// Record header: unix nanos, metadata length, payload length.
const recordHeaderSize = 16

var ErrBadMagic = errors.New("not a profile raw log")

// RawLogWriter appends broadcast metadata+payload pairs to a file.
type RawLogWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	n    uint64
}

func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", Timestamp(), prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(rawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RawLogWriter{f: f, w: w, path: filename}, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

func (r *RawLogWriter) Record(meta []byte, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(meta)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(meta); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	r.n++
	return r.w.Flush()
}

// Records is the number of pairs written so far.
func (r *RawLogWriter) Records() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// RawRecord is one metadata+payload pair read back from a raw log.
type RawRecord struct {
	Time    time.Time
	Meta    []byte
	Payload []byte
}

type RawLogReader struct {
	r io.Reader
}

// NewRawLogReader checks the file magic and positions at the first record.
func NewRawLogReader(r io.Reader) (*RawLogReader, error) {
	magic := make([]byte, len(rawLogMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != rawLogMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, string(magic))
	}
	return &RawLogReader{r: bufio.NewReader(r)}, nil
}

// Next returns io.EOF after the last complete record. A truncated trailing
// record is reported as io.ErrUnexpectedEOF.
func (rr *RawLogReader) Next() (RawRecord, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(rr.r, header[:]); err != nil {
		return RawRecord{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(header[:8]))
	metaLen := binary.LittleEndian.Uint32(header[8:12])
	payloadLen := binary.LittleEndian.Uint32(header[12:16])

	body := make([]byte, int(metaLen)+int(payloadLen))
	if _, err := io.ReadFull(rr.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return RawRecord{}, err
	}
	return RawRecord{
		Time:    time.Unix(0, ts),
		Meta:    body[:metaLen],
		Payload: body[metaLen:],
	}, nil
}

func Timestamp() string {
	return time.Now().Format("20060102_150405")
}
