// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements a redundant transport composed of several inner
// transports: sends fan out to every interface, receives are
// deduplicated by (source node, transfer-ID).

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Redundant presents N inner Transport instances as one. All inner
// transports must share the same local node-ID and are expected (but
// not verified) to carry the same protocol parameters; the first
// inner transport's parameters are reported as the aggregate's.
type Redundant struct {
	inner []Transport

	mu     sync.Mutex
	closed bool
}

// NewRedundant requires at least one inner transport.
func NewRedundant(inner ...Transport) (*Redundant, error) {
	if len(inner) == 0 {
		return nil, fmt.Errorf("%w: redundant transport requires at least one inner transport", ErrInvalidMediaConfiguration)
	}
	return &Redundant{inner: inner}, nil
}

func (r *Redundant) LocalNodeID() *uint16 { return r.inner[0].LocalNodeID() }

func (r *Redundant) ProtocolParameters() ProtocolParameters { return r.inner[0].ProtocolParameters() }

func (r *Redundant) GetInputSession(spec SessionSpecifier, meta PayloadMetadata) (InputSession, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrResourceClosed
	}
	r.mu.Unlock()

	sessions := make([]InputSession, 0, len(r.inner))
	for _, t := range r.inner {
		s, err := t.GetInputSession(spec, meta)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return &redundantInputSession{spec: spec, meta: meta, inner: sessions, seen: map[string]struct{}{}}, nil
}

func (r *Redundant) GetOutputSession(spec SessionSpecifier, meta PayloadMetadata) (OutputSession, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrResourceClosed
	}
	r.mu.Unlock()

	sessions := make([]OutputSession, 0, len(r.inner))
	for _, t := range r.inner {
		s, err := t.GetOutputSession(spec, meta)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return &redundantOutputSession{spec: spec, meta: meta, inner: sessions}, nil
}

func (r *Redundant) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for _, t := range r.inner {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Redundant) BeginCapture(cb CaptureCallback) error {
	for _, t := range r.inner {
		if err := t.BeginCapture(cb); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redundant) Spoof(ctx context.Context, alien AlienTransfer, deadline time.Time) (bool, error) {
	return r.inner[0].Spoof(ctx, alien, deadline)
}

type redundantInputSession struct {
	spec  SessionSpecifier
	meta  PayloadMetadata
	inner []InputSession

	mu   sync.Mutex
	seen map[string]struct{}
}

func (s *redundantInputSession) Specifier() SessionSpecifier      { return s.spec }
func (s *redundantInputSession) PayloadMetadata() PayloadMetadata { return s.meta }

// Receive polls the inner sessions in round-robin order, waiting at most
// a short interval on each, until one yields a transfer or the deadline
// passes, suppressing duplicates already delivered on another interface. This
// is intentionally simple: it favors the first inner transport to
// deliver a given (source, transfer-ID) pair and is adequate for the
// redundancy model of "use whichever link is alive", not for
// low-latency interleaving across links with very different speeds.
func (s *redundantInputSession) Receive(ctx context.Context, deadline time.Time) (*TransferFrom, error) {
	for {
		if time.Now().After(deadline) {
			return nil, nil
		}
		for _, in := range s.inner {
			d := time.Now().Add(10 * time.Millisecond)
			if d.After(deadline) {
				d = deadline
			}
			tr, err := in.Receive(ctx, d)
			if err != nil {
				return nil, err
			}
			if tr == nil {
				continue
			}
			key := dedupKey(tr)
			s.mu.Lock()
			_, dup := s.seen[key]
			if !dup {
				s.seen[key] = struct{}{}
			}
			s.mu.Unlock()
			if dup {
				continue
			}
			return tr, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
	}
}

func dedupKey(tr *TransferFrom) string {
	node := "anon"
	if tr.SourceNodeID != nil {
		node = fmt.Sprintf("%d", *tr.SourceNodeID)
	}
	return fmt.Sprintf("%s/%d", node, tr.TransferID)
}

func (s *redundantInputSession) Close() error {
	var firstErr error
	for _, in := range s.inner {
		if err := in.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type redundantOutputSession struct {
	spec  SessionSpecifier
	meta  PayloadMetadata
	inner []OutputSession
}

func (s *redundantOutputSession) Specifier() SessionSpecifier      { return s.spec }
func (s *redundantOutputSession) PayloadMetadata() PayloadMetadata { return s.meta }

// Send fans the transfer out to every inner session and reports success
// if at least one link accepted it within the deadline.
func (s *redundantOutputSession) Send(ctx context.Context, tr Transfer, deadline time.Time) (bool, error) {
	anyOK := false
	var firstErr error
	for _, out := range s.inner {
		ok, err := out.Send(ctx, tr, deadline)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			anyOK = true
		}
	}
	if !anyOK && firstErr != nil {
		return false, firstErr
	}
	return anyOK, nil
}

func (s *redundantOutputSession) Close() error {
	var firstErr error
	for _, out := range s.inner {
		if err := out.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
