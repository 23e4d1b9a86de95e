// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package transport

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/foundriesio/fwota/pkg/image"
	"github.com/pkg/errors"
)

type (
	// Source delivers a request body as a sequence of chunks. ReadChunk
	// returns 0 and a nil error at the end of the stream, and ErrReadTimeout
	// when no data arrived in time; a timed out read consumes no data.
	Source interface {
		ReadChunk(buf []byte) (int, error)
	}

	readerSource struct {
		r   io.Reader
		eof bool
		// carry holds the start of a first chunk that was cut short by a
		// timeout before it could hold an image header
		carry     []byte
		delivered int64
	}

	bodySource struct {
		readerSource
		ctx     context.Context
		rc      *http.ResponseController
		timeout time.Duration
	}
)

var ErrReadTimeout = errors.New("timed out waiting for request data")

// NewReaderSource fills every chunk completely from r, except the last one.
func NewReaderSource(r io.Reader) Source {
	return &readerSource{r: r}
}

// NewBodySource reads the body of an HTTP request, bounding the wait for each
// chunk by timeout. A zero timeout disables the per-chunk deadline. Reads
// never wait past the deadline of ctx; once ctx is done ReadChunk returns
// its error.
func NewBodySource(ctx context.Context, w http.ResponseWriter, r *http.Request, timeout time.Duration) Source {
	return &bodySource{
		readerSource: readerSource{r: r.Body},
		ctx:          ctx,
		rc:           http.NewResponseController(w),
		timeout:      timeout,
	}
}

func (s *readerSource) ReadChunk(buf []byte) (int, error) {
	n := copy(buf, s.carry)
	s.carry = s.carry[n:]
	if s.eof {
		s.delivered += int64(n)
		return n, nil
	}
	for n < len(buf) {
		m, err := s.r.Read(buf[n:])
		n += m
		if err == io.EOF {
			s.eof = true
			break
		}
		if err != nil {
			if !isTimeout(err) {
				return n, err
			}
			if n == 0 {
				return 0, ErrReadTimeout
			}
			if s.delivered == 0 && n < image.HeaderLen && len(buf) >= image.HeaderLen {
				// Keep waiting for the rest of the header
				s.carry = append([]byte(nil), buf[:n]...)
				return 0, ErrReadTimeout
			}
			// Hand out what already arrived; the wait is repeated on the next call
			break
		}
	}
	s.delivered += int64(n)
	return n, nil
}

func (s *bodySource) ReadChunk(buf []byte) (int, error) {
	if err := s.expired(); err != nil {
		return 0, err
	}
	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if d, ok := s.ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() {
		// Not every ResponseWriter supports deadlines (e.g. httptest recorders)
		_ = s.rc.SetReadDeadline(deadline)
	}
	n, err := s.readerSource.ReadChunk(buf)
	if errors.Is(err, ErrReadTimeout) {
		if ctxErr := s.expired(); ctxErr != nil {
			return 0, ctxErr
		}
	}
	return n, err
}

// expired reports the end of the session, without waiting for the context
// timer when its deadline has already passed.
func (s *bodySource) expired() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if d, ok := s.ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ErrReadTimeout) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
