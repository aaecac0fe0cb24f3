// Package remote implements the upload destinations: cloud drive folders,
// S3-compatible object stores, FTP/SFTP servers and WebDAV shares.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
)

// Sentinel errors distinguishing "fix your credentials" from "fix your
// network" in diagnostics. Adapters wrap transport errors with one of
// these where the cause is clear.
var (
	ErrNotAuthenticated = errors.New("destination rejected the credentials")
	ErrHostUnreachable  = errors.New("destination host is unreachable")
)

// classify wraps err with a sentinel when the failure class is
// recognizable. Unrecognized errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	}
	return err
}

// classifyStatus maps an HTTP response status to a sentinel-wrapped error.
// Returns nil for 2xx.
func classifyStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w (HTTP %d)", op, ErrNotAuthenticated, resp.StatusCode)
	default:
		return fmt.Errorf("%s: HTTP %d", op, resp.StatusCode)
	}
}

// errState is the sticky per-run error flag shared by all adapters. The
// first failure marks the adapter erroneous; the engine skips it for the
// rest of the run and the flag resets when the next run starts using it.
type errState struct {
	mu        sync.Mutex
	erroneous bool
}

func (s *errState) setError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.erroneous = true
}

// fail marks the adapter erroneous and returns err unchanged, so call
// sites can `return s.fail(err)`.
func (s *errState) fail(err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		s.setError()
	}
	return err
}

func (s *errState) Erroneous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.erroneous
}

// ResetError clears the flag. The engine resets every adapter at the start
// of a run's upload phase.
func (s *errState) ResetError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.erroneous = false
}
