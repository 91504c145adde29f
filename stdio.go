package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// StdIO implements a client transport over an io.Reader/io.Writer pair, such as the
// process's own stdin/stdout. Messages are newline-delimited JSON.
//
// A reader/writer pair carries exactly one session. Once that session is closed, further
// StartSession calls fail with ErrSessionUnavailable; use CommandTransport to get a client
// that can reconnect to a subprocess server.
type StdIO struct {
	reader         io.Reader
	writer         io.Writer
	maxPayloadSize int
	logger         *slog.Logger
	started        atomic.Bool
}

// StdIOOption configures a StdIO transport.
type StdIOOption func(*StdIO)

// streamSession is a session over a byte stream framed by newlines. A single goroutine
// performs every write, so concurrent Send calls never interleave their bytes.
type streamSession struct {
	id     string
	reader *bufio.Reader
	writer io.Writer
	closer func() error
	logger *slog.Logger
	// maxLine bounds the bytes kept for one line. Zero keeps lines of any length.
	maxLine int

	writes      chan streamWrite
	done        chan struct{}
	writeClosed chan struct{}

	closeOnce sync.Once
	closeErr  error
}

type streamWrite struct {
	data []byte
	errs chan error
}

type streamLine struct {
	data []byte
	err  error
}

var errSessionClosed = errors.New("session closed")

// WithStdIOLogger sets the logger of the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// WithStdIOMaxPayloadSize bounds the size of one inbound line. A longer line is discarded
// without being buffered and reported as a *ProtocolError. Zero disables the limit.
func WithStdIOMaxPayloadSize(size int) StdIOOption {
	return func(s *StdIO) {
		s.maxPayloadSize = size
	}
}

// NewStdIO creates a new StdIO transport over reader and writer. When either implements
// io.Closer it is closed together with the session.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader:         reader,
		writer:         writer,
		maxPayloadSize: defaultMaxMessageSize,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// StartSession implements ClientTransport. It succeeds only once.
func (s *StdIO) StartSession(_ context.Context) (Session, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrSessionUnavailable
	}
	closer := func() error {
		var errs []error
		if c, ok := s.writer.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		if c, ok := s.reader.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}
	return newStreamSession(s.reader, s.writer, closer, s.maxPayloadSize, s.logger), nil
}

func newStreamSession(
	reader io.Reader,
	writer io.Writer,
	closer func() error,
	maxLine int,
	logger *slog.Logger,
) *streamSession {
	s := &streamSession{
		id:          uuid.New().String(),
		reader:      bufio.NewReader(reader),
		writer:      writer,
		closer:      closer,
		logger:      logger,
		maxLine:     maxLine,
		writes:      make(chan streamWrite),
		done:        make(chan struct{}),
		writeClosed: make(chan struct{}),
	}
	go s.processWrites()
	return s
}

func (s *streamSession) ID() string {
	return s.id
}

// Send queues one message for the writer goroutine and waits until it has been written.
func (s *streamSession) Send(ctx context.Context, msg []byte) error {
	framed := make([]byte, len(msg)+1)
	copy(framed, msg)
	framed[len(msg)] = '\n'

	w := streamWrite{data: framed, errs: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	case s.writes <- w:
	}

	select {
	case err := <-w.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	}
}

// Messages yields one message per non-empty line until the stream ends or the session is
// closed. A clean end of stream ends the iteration without an error.
func (s *streamSession) Messages() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		lines := make(chan streamLine)
		// The read runs on its own goroutine so that Close can end the iteration even while
		// the reader is blocked.
		go s.readLines(lines)

		for {
			var l streamLine
			select {
			case <-s.done:
				return
			case l = <-lines:
			}
			var perr *ProtocolError
			if errors.As(l.err, &perr) {
				if !yield(nil, l.err) {
					return
				}
				continue
			}
			if l.err != nil {
				if !errors.Is(l.err, io.EOF) {
					yield(nil, l.err)
				}
				return
			}
			if !yield(l.data, nil) {
				return
			}
		}
	}
}

func (s *streamSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

func (s *streamSession) readLines(lines chan<- streamLine) {
	for {
		line, oversized, err := s.readLine()
		if oversized {
			perr := &ProtocolError{
				Code:   CodeInvalidRequest,
				Reason: fmt.Sprintf("message exceeds the %d byte limit", s.maxLine),
			}
			select {
			case lines <- streamLine{err: perr}:
			case <-s.done:
				return
			}
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			select {
			case lines <- streamLine{data: line}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case lines <- streamLine{err: err}:
			case <-s.done:
			}
			return
		}
	}
}

// readLine reads up to the next newline. Once a line outgrows maxLine the rest of it is
// read and dropped, and oversized is reported instead of the line.
func (s *streamSession) readLine() (line []byte, oversized bool, err error) {
	for {
		var chunk []byte
		chunk, err = s.reader.ReadSlice('\n')
		switch {
		case oversized:
		case s.maxLine > 0 && len(line)+len(bytes.TrimRight(chunk, "\r\n")) > s.maxLine:
			oversized, line = true, nil
		default:
			line = append(line, chunk...)
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, oversized, err
		}
	}
}

func (s *streamSession) processWrites() {
	defer close(s.writeClosed)

	for {
		var w streamWrite
		select {
		case <-s.done:
			return
		case w = <-s.writes:
		}

		_, err := s.writer.Write(w.data)
		if err != nil {
			s.logger.Debug("failed to write message", "err", err, "session", s.id)
		}
		w.errs <- err
	}
}
