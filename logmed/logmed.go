// Package logmed mediates between a program's output and its log file. Besides appending to the file, a Mediator keeps
// the most recent output in memory so that it can be served without touching the disk.
package logmed

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gammazero/deque"
	"github.com/valyala/bytebufferpool"
)

const (
	// MaxTailLen is the maximum number of bytes kept in the tail buffer.
	MaxTailLen = 64 * 1024

	// MaxTailResponse caps a single Tail result so that it fits a transport message.
	MaxTailResponse = 0x7fff

	// preseedChunk is the largest chunk read from an existing file while pre-seeding the tail buffer.
	preseedChunk = 4096
)

// Mediator writes program output to an optional backing file and keeps a bounded tail buffer of the latest output.
// A Mediator is safe for concurrent use.
type Mediator struct {
	mu sync.Mutex

	path string
	out  *os.File

	tail    deque.Deque[[]byte]
	tailLen int
}

// New returns a Mediator for the log file at path. An empty path means no file is connected and only the tail buffer
// is maintained. If the file already exists, its last MaxTailLen bytes are loaded into the tail buffer.
func New(path string) (*Mediator, error) {
	m := &Mediator{path: path}
	if path == "" {
		return m, nil
	}
	if err := m.preseed(); err != nil {
		return nil, fmt.Errorf("load tail of %q: %w", path, err)
	}
	return m, nil
}

// preseed reads the final window of the existing log file, seeking from the end rather than reading the whole file.
func (m *Mediator) preseed() error {
	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	offset := info.Size() - MaxTailLen
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReaderSize(f, preseedChunk)
	for {
		line, err := r.ReadSlice('\n')
		if len(line) > 0 {
			m.push(append([]byte(nil), line...))
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}
	}
}

// Path returns the path of the backing file, or an empty string.
func (m *Mediator) Path() string {
	return m.path
}

// Open opens the backing file for appending. Open is a no-op if the file is already open or no file is connected.
func (m *Mediator) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.out != nil || m.path == "" {
		return nil
	}
	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	m.out = f
	return nil
}

// Close closes the backing file. The tail buffer is kept.
func (m *Mediator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.out == nil {
		return nil
	}
	err := m.out.Close()
	m.out = nil
	return err
}

// Write appends p to the backing file, if open, and to the tail buffer. The data always reaches the tail buffer, even
// when writing the file fails.
func (m *Mediator) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	var err error
	if m.out != nil {
		if _, werr := m.out.Write(p); werr != nil {
			err = fmt.Errorf("write log file: %w", werr)
		}
	}

	m.push(append([]byte(nil), p...))
	return len(p), err
}

// push appends a chunk and evicts the oldest chunks until the buffer is within MaxTailLen.
func (m *Mediator) push(chunk []byte) {
	m.tail.PushBack(chunk)
	m.tailLen += len(chunk)

	for m.tailLen > MaxTailLen && m.tail.Len() > 0 {
		m.tailLen -= len(m.tail.PopFront())
	}
}

// Len returns the number of bytes held in the tail buffer.
func (m *Mediator) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tailLen
}

// Tail returns the most recent output, made of whole chunks and always shorter than MaxTailResponse bytes.
func (m *Mediator) Tail() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Find the oldest chunk that still fits, walking back from the newest.
	first := m.tail.Len()
	size := 0
	for i := m.tail.Len() - 1; i >= 0; i-- {
		size += len(m.tail.At(i))
		if size >= MaxTailResponse {
			break
		}
		first = i
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for i := first; i < m.tail.Len(); i++ {
		_, _ = buf.Write(m.tail.At(i))
	}

	return append([]byte(nil), buf.B...)
}

// Verify that Mediator satisfies io.Writer.
var _ io.Writer = (*Mediator)(nil)
