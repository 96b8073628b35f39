package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Transient returns a classifier that retries temporary network conditions
// and deadline overruns and refuses everything else.
func Transient() Classifier {
	return Func(IsTransient)
}

// IsTransient reports whether err looks like a temporary network or timeout
// failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Don't retry cancellation
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	type timeout interface {
		Timeout() bool
	}
	var te timeout
	if errors.As(err, &te) && te.Timeout() {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}

	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		switch syscallErr.Err {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
			syscall.ENETDOWN, syscall.ENETUNREACH, syscall.EPIPE,
			syscall.EHOSTUNREACH, syscall.ETIMEDOUT:
			return true
		}
	}

	type temporary interface {
		Temporary() bool
	}
	var tmp temporary
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	return false
}
