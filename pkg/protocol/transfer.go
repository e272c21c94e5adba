package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrConnectionClosed is returned when the peer closed the connection
	ErrConnectionClosed = errors.New("connection closed by peer")

	// ErrIO wraps any I/O failure that is neither a transient interruption nor a peer close
	ErrIO = errors.New("i/o error")
)

// maxZeroProgress bounds how many consecutive calls may move no bytes, either
// (0, nil) or (0, EINTR/EAGAIN), before we treat the stream as broken
const maxZeroProgress = 100

// ReadExact reads exactly n bytes from r.
//
// Transient interruptions are retried without losing progress. A peer close
// yields an error wrapping ErrConnectionClosed; the returned count tells the
// caller how much of the buffer was filled before that happened.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := readFull(r, buf)
	if err != nil {
		return buf[:got], err
	}
	return buf, nil
}

// readFull fills buf and reports how many bytes were read
func readFull(r io.Reader, buf []byte) (int, error) {
	got := 0
	idle := 0
	for got < len(buf) {
		n, err := r.Read(buf[got:])
		got += n
		if err != nil {
			if got == len(buf) && errors.Is(err, io.EOF) {
				// Data and EOF delivered together; the next read reports the close
				return got, nil
			}
			if !isTransient(err) {
				return got, classify(err)
			}
		}
		if stalled(n, &idle) {
			return got, fmt.Errorf("%w: %w", ErrIO, stallCause(err, io.ErrNoProgress))
		}
	}
	return got, nil
}

// WriteExact writes all of buf to w, retrying on transient interruption
func WriteExact(w io.Writer, buf []byte) error {
	sent := 0
	idle := 0
	for sent < len(buf) {
		n, err := w.Write(buf[sent:])
		sent += n
		if err != nil && !isTransient(err) {
			return classify(err)
		}
		if stalled(n, &idle) {
			return fmt.Errorf("%w: %w", ErrIO, stallCause(err, io.ErrShortWrite))
		}
	}
	return nil
}

// stalled counts consecutive calls that moved no bytes, whether they
// returned nothing or a transient error, and reports when the budget is spent
func stalled(n int, idle *int) bool {
	if n > 0 {
		*idle = 0
		return false
	}
	*idle++
	return *idle >= maxZeroProgress
}

func stallCause(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

// isTransient reports whether err is an interruption that should be retried
func isTransient(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}

// classify maps an I/O error onto ErrConnectionClosed or ErrIO
func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	default:
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
}

// IsConnectionError reports whether err ends the connection it came from
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrIO)
}
