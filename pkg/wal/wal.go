package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"docgate/pkg/compression"
	"docgate/pkg/listener"
	"docgate/pkg/types"
)

const (
	fileName   = "wal.log"
	headerSize = 8 + 1 + 1 + 4 // seq, kind, codec, payload length
	maxPayload = 64 << 20
)

var (
	ErrClosed       = errors.New("wal: closed")
	ErrCorrupted    = errors.New("wal: corrupted record")
	ErrTooLarge     = errors.New("wal: payload too large")
	errNoWriterLeft = errors.New("wal: writer is nil")
)

// Kind tells the owner how to interpret the payload.
type Kind uint8

// Entry is a single log record.
type Entry struct {
	SeqNum  types.SeqN
	Kind    Kind
	Payload []byte
}

type pending struct {
	entry Entry
	codec compression.Codec
	done  chan error
}

type Option func(*WAL)

// WithCompression compresses payloads with c. Every record keeps its own
// codec, so a log written with another setting still replays.
func WithCompression(c compression.Codec) Option {
	return func(w *WAL) {
		w.codec = c
	}
}

// WAL is an append-only log. Appends are written and fsynced by a single
// background listener, callers block until their record is durable.
type WAL struct {
	*listener.Listener[pending]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	codec    compression.Codec

	inputCh chan pending
	stopped chan struct{}
}

func New(dir string, opts ...Option) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		inputCh:  make(chan pending, 16),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.Listener = listener.New("wal", w.inputCh, w.writeFile,
		listener.WithErrorHandler(func(p pending, err error) {
			p.done <- err
		}),
		listener.WithStopHandler[pending](func() {
			close(w.stopped)
		}),
	)

	return w, nil
}

// Append queues the entry and waits until it is synced to disk. ctx only
// bounds the wait for a queue slot: a queued record is always reported.
func (w *WAL) Append(ctx context.Context, entry Entry) error {
	if len(entry.Payload) > maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(entry.Payload))
	}

	// сжимаем в горутине вызывающего, listener только пишет
	payload, codec, err := compression.Compress(w.codec, entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to compress WAL entry: %w", err)
	}
	entry.Payload = payload

	p := pending{entry: entry, codec: codec, done: make(chan error, 1)}

	select {
	case w.inputCh <- p:
	case <-w.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// запись уже в очереди и будет на диске, отмена ctx ее не отзовет
	select {
	case err := <-p.done:
		return err
	case <-w.stopped:
		return ErrClosed
	}
}

// called by the listener goroutine only
func (w *WAL) writeFile(p pending) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeEntry(p.entry, p.codec); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	p.done <- nil
	return nil
}

// Replay calls fn for every record with SeqNum >= start. A torn record at
// the tail is treated as the end of the log.
func (w *WAL) Replay(start types.SeqN, fn func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		entry, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorrupted) {
				slog.Warn("WAL tail is damaged, stopping replay", "path", w.filePath, "error", err)
				return nil
			}
			return fmt.Errorf("failed to read WAL entry: %w", err)
		}
		if entry.SeqNum < start {
			continue
		}
		if err := fn(entry); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

func (w *WAL) Close() error {
	w.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}
	return nil
}

// record: seq(8) kind(1) codec(1) len(4) payload crc32(4), little endian
func (w *WAL) writeEntry(entry Entry, codec compression.Codec) error {
	if w.writer == nil {
		return errNoWriterLeft
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], entry.SeqNum)
	hdr[8] = byte(entry.Kind)
	hdr[9] = byte(codec)
	binary.LittleEndian.PutUint32(hdr[10:14], uint32(len(entry.Payload)))

	crc := crc32.NewIEEE()
	_, _ = crc.Write(hdr[:])
	_, _ = crc.Write(entry.Payload)

	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc.Sum32())

	for _, b := range [][]byte{hdr[:], entry.Payload, sum[:]} {
		if _, err := w.writer.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func readEntry(r io.Reader) (Entry, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Entry{}, err
	}

	size := binary.LittleEndian.Uint32(hdr[10:14])
	if size > maxPayload {
		return Entry{}, fmt.Errorf("%w: payload length %d", ErrCorrupted, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Entry{}, unexpected(err)
	}

	var sum [4]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return Entry{}, unexpected(err)
	}

	crc := crc32.NewIEEE()
	_, _ = crc.Write(hdr[:])
	_, _ = crc.Write(payload)
	if crc.Sum32() != binary.LittleEndian.Uint32(sum[:]) {
		return Entry{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	payload, err := compression.Decompress(compression.Codec(hdr[9]), payload, maxPayload)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	return Entry{
		SeqNum:  binary.LittleEndian.Uint64(hdr[0:8]),
		Kind:    Kind(hdr[8]),
		Payload: payload,
	}, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
