// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bufferedwrites

import (
	"context"
	"errors"
	"fmt"

	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/drivefuse/drivefuse/internal/remote"
	"github.com/googleapis/gax-go/v2"
)

// SessionState is the state of an UploadSession.
type SessionState int

const (
	// The session exists locally; no remote session yet.
	SessionCreated SessionState = iota

	// A remote session is open and accepts bytes.
	SessionActive

	// Bytes are being submitted.
	SessionFlushing

	// The remote finalized the item. Terminal.
	SessionCommitted

	// Retries were exhausted or the remote refused the upload. Terminal.
	SessionFailed

	// Abandoned with any uncommitted bytes. Terminal.
	SessionCancelled
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "Created"
	case SessionActive:
		return "Active"
	case SessionFlushing:
		return "Flushing"
	case SessionCommitted:
		return "Committed"
	case SessionFailed:
		return "Failed"
	case SessionCancelled:
		return "Cancelled"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s SessionState) Terminal() bool {
	return s == SessionCommitted || s == SessionFailed || s == SessionCancelled
}

// Allowed transitions. Flushing returns to Active when a partial flush, one
// that leaves the total size open, completes.
var transitions = map[SessionState][]SessionState{
	SessionCreated:  {SessionActive, SessionFailed, SessionCancelled},
	SessionActive:   {SessionFlushing, SessionFailed, SessionCancelled},
	SessionFlushing: {SessionActive, SessionCommitted, SessionFailed, SessionCancelled},
}

// TransitionFunc observes state changes, e.g. for metrics.
type TransitionFunc func(from, to SessionState)

// UploadSession drives one chunked upload that replaces the content of one
// remote item. It tracks the highest contiguous committed offset so that a
// retry after a partial chunk failure resumes instead of restarting.
//
// External synchronization is required.
type UploadSession struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	client       remote.Client
	policy       remote.RetryPolicy
	onTransition TransitionFunc

	/////////////////////////
	// Constant data
	/////////////////////////

	target remote.UploadTarget

	/////////////////////////
	// Mutable state
	/////////////////////////

	state  SessionState
	handle *remote.UploadSession

	// Bytes the remote has acknowledged.
	committed int64

	// The error that failed the session.
	err error
}

// NewUploadSession returns a session in state Created for target.
func NewUploadSession(
	client remote.Client,
	policy remote.RetryPolicy,
	target remote.UploadTarget,
	onTransition TransitionFunc) *UploadSession {
	return &UploadSession{
		client:       client,
		policy:       policy,
		target:       target,
		onTransition: onTransition,
		state:        SessionCreated,
	}
}

func (s *UploadSession) State() SessionState { return s.state }

func (s *UploadSession) Committed() int64 { return s.committed }

func (s *UploadSession) Err() error { return s.err }

func (s *UploadSession) transition(to SessionState) error {
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			from := s.state
			s.state = to
			logger.Tracef("Upload session for %q: %v -> %v (committed %d)", s.target.ItemID, from, to, s.committed)
			if s.onTransition != nil {
				s.onTransition(from, to)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, s.state, to)
}

func (s *UploadSession) require(states ...SessionState) error {
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("%w: operation not allowed in state %v", ErrInvalidTransition, s.state)
}

// fail moves the session to Failed, releases the remote session and returns
// the error to report.
func (s *UploadSession) fail(ctx context.Context, op string, err error) error {
	s.err = err
	if terr := s.transition(SessionFailed); terr != nil {
		return terr
	}
	if s.handle != nil {
		if cerr := s.client.CancelUploadSession(context.WithoutCancel(ctx), s.handle); cerr != nil {
			logger.Warnf("Releasing failed upload session for %q: %v", s.target.ItemID, cerr)
		}
	}
	logger.Warnf("Upload session for %q failed in %s at offset %d: %v", s.target.ItemID, op, s.committed, err)
	return &UploadSessionError{Op: op, Err: err}
}

// Open requests the remote session. Created -> Active, or Failed.
func (s *UploadSession) Open(ctx context.Context) error {
	if err := s.require(SessionCreated); err != nil {
		return err
	}
	err := remote.Retry(ctx, s.policy, "OpenUploadSession", func(ctx context.Context) error {
		h, err := s.client.OpenUploadSession(ctx, s.target)
		if err != nil {
			return err
		}
		s.handle = h
		return nil
	})
	if err != nil {
		return s.fail(ctx, "open", err)
	}
	return s.transition(SessionActive)
}

// BeginFlush starts submitting bytes. Active -> Flushing.
func (s *UploadSession) BeginFlush() error {
	return s.transition(SessionFlushing)
}

// EndFlush ends a partial flush. Flushing -> Active.
func (s *UploadSession) EndFlush() error {
	return s.transition(SessionActive)
}

// Upload submits data, the content at offset, which must not be beyond the
// committed offset. totalSize is the final item size, or -1 if not yet
// known. Transient failures are retried with backoff; after each, the
// session is asked how far it got and the upload resumes there. Remotes that
// can not say get the whole chunk again.
func (s *UploadSession) Upload(ctx context.Context, data []byte, offset int64, totalSize int64) error {
	if err := s.require(SessionFlushing); err != nil {
		return err
	}
	if offset > s.committed {
		return fmt.Errorf("upload at %d leaves a gap after committed offset %d", offset, s.committed)
	}
	end := offset + int64(len(data))

	bo := &gax.Backoff{
		Initial:    s.policy.Initial,
		Max:        s.policy.Max,
		Multiplier: s.policy.Multiplier,
	}
	for attempt := 1; s.committed < end; {
		chunkStart := s.committed
		c, err := s.client.UploadChunk(ctx, s.handle, chunkStart, data[chunkStart-offset:], totalSize)
		if err == nil {
			if c > chunkStart {
				s.committed = c
				continue
			}
			err = &remote.TransientError{Err: fmt.Errorf("chunk at %d made no progress", chunkStart)}
		}

		if !remote.IsTransient(err) {
			return s.fail(ctx, "upload", err)
		}
		if attempt >= s.policy.MaxAttempts {
			return s.fail(ctx, "upload", fmt.Errorf("giving up after %d attempts: %w", attempt, err))
		}
		attempt++

		pause := bo.Pause()
		logger.Debugf("Upload session for %q: chunk at %d failed, retrying in %v: %v", s.target.ItemID, chunkStart, pause, err)
		if serr := gax.Sleep(ctx, pause); serr != nil {
			return s.fail(ctx, "upload", serr)
		}

		q, qerr := s.client.QueryUploadSession(ctx, s.handle)
		switch {
		case qerr == nil:
			s.committed = max(q, chunkStart)
		case errors.Is(qerr, remote.ErrNotSupported):
			s.committed = chunkStart
		case remote.IsTransient(qerr):
			// Try the chunk again from where we believed we were.
			s.committed = chunkStart
		default:
			return s.fail(ctx, "query", qerr)
		}
	}
	return nil
}

// Finalize commits the item at totalSize. Flushing -> Committed, or Failed.
func (s *UploadSession) Finalize(ctx context.Context, totalSize int64) (*remote.Item, error) {
	if err := s.require(SessionFlushing); err != nil {
		return nil, err
	}
	if s.committed != totalSize {
		return nil, s.fail(ctx, "finalize", fmt.Errorf("finalize at %d with %d bytes committed", totalSize, s.committed))
	}
	var item *remote.Item
	err := remote.Retry(ctx, s.policy, "FinalizeSession", func(ctx context.Context) (err error) {
		item, err = s.client.FinalizeSession(ctx, s.handle, totalSize)
		return
	})
	if err != nil {
		return nil, s.fail(ctx, "finalize", err)
	}
	if err := s.transition(SessionCommitted); err != nil {
		return nil, err
	}
	return item, nil
}

// Cancel abandons the session from any non-terminal state and asks the
// remote to drop it. Cancelling a terminal session does nothing.
func (s *UploadSession) Cancel(ctx context.Context) {
	if s.state.Terminal() {
		return
	}
	if s.handle != nil {
		if err := s.client.CancelUploadSession(ctx, s.handle); err != nil {
			logger.Warnf("Cancelling upload session for %q: %v", s.target.ItemID, err)
		}
	}
	s.err = ErrSessionCancelled
	if err := s.transition(SessionCancelled); err != nil {
		logger.Warnf("Upload session for %q: %v", s.target.ItemID, err)
	}
}
