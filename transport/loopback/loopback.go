// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the reference in-memory loopback transport: the
// behavioral conformance baseline every other transport is checked
// against.

package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opencyphal-go/libcyphal/transport"
)

// DefaultProtocolParameters models a generous, effectively unconstrained
// medium: a large transfer-ID modulus, a large node count, and an MTU
// big enough that message-layer fragmentation never triggers.
var DefaultProtocolParameters = transport.ProtocolParameters{
	TransferIDModulo: 1 << 32,
	MaxNodes:         1 << 16,
	MTU:              1 << 20,
}

// Transport is the in-process reference transport. All sessions it
// creates share a single mutex-protected registry so that Send can walk
// every matching input session synchronously.
type Transport struct {
	mu sync.Mutex

	localNodeID       *uint16
	protocolParams    transport.ProtocolParameters
	allowAnonymous    bool
	sendDelay         time.Duration
	forceSendTimeout  bool
	injectedSendError error

	inputs  map[string]*inputSession
	outputs map[string]*outputSession
	closed  bool

	capture transport.CaptureCallback
}

// Option configures a Transport at construction time, including the
// test-rigging knobs used to exercise failure and timeout paths.
type Option func(*Transport)

// WithLocalNodeID sets the node-ID this transport instance presents as.
// Omit it to construct an anonymous transport.
func WithLocalNodeID(id uint16) Option {
	return func(t *Transport) { v := id; t.localNodeID = &v }
}

// WithAllowAnonymousTransfers permits GetOutputSession on message
// specifiers even when the transport has no local node-ID. Services
// always require a local node-ID regardless of this setting.
func WithAllowAnonymousTransfers() Option {
	return func(t *Transport) { t.allowAnonymous = true }
}

// WithProtocolParameters overrides DefaultProtocolParameters.
func WithProtocolParameters(p transport.ProtocolParameters) Option {
	return func(t *Transport) { t.protocolParams = p }
}

// WithSendDelay makes every Send sleep for d (bounded by the caller's
// deadline) before delivering, for exercising timeout handling.
func WithSendDelay(d time.Duration) Option {
	return func(t *Transport) { t.sendDelay = d }
}

// WithForcedSendFailure makes every Send return err unconditionally.
func WithForcedSendFailure(err error) Option {
	return func(t *Transport) { t.injectedSendError = err }
}

// WithForcedSendTimeout makes every Send report a timeout (false, nil)
// without ever delivering the transfer.
func WithForcedSendTimeout() Option {
	return func(t *Transport) { t.forceSendTimeout = true }
}

// New constructs a loopback transport. With no options it is anonymous
// and rejects anonymous message sends.
func New(opts ...Option) *Transport {
	t := &Transport{
		protocolParams: DefaultProtocolParameters,
		inputs:         map[string]*inputSession{},
		outputs:        map[string]*outputSession{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) LocalNodeID() *uint16 { return t.localNodeID }

func (t *Transport) ProtocolParameters() transport.ProtocolParameters { return t.protocolParams }

func (t *Transport) GetInputSession(spec transport.SessionSpecifier, meta transport.PayloadMetadata) (transport.InputSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrResourceClosed
	}
	key := spec.Key()
	if s, ok := t.inputs[key]; ok {
		return s, nil
	}
	s := &inputSession{t: t, spec: spec, meta: meta, queue: make(chan transport.TransferFrom, 1024)}
	t.inputs[key] = s
	return s, nil
}

func (t *Transport) GetOutputSession(spec transport.SessionSpecifier, meta transport.PayloadMetadata) (transport.OutputSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrResourceClosed
	}
	if spec.DataSpecifier.IsService() && t.localNodeID == nil {
		return nil, fmt.Errorf("%w: services require a local node-ID", transport.ErrOperationNotDefinedForAnonymousNode)
	}
	if spec.DataSpecifier.IsMessage() && t.localNodeID == nil && !t.allowAnonymous {
		return nil, fmt.Errorf("%w: anonymous transfers are disabled on this transport", transport.ErrOperationNotDefinedForAnonymousNode)
	}
	key := spec.Key()
	if s, ok := t.outputs[key]; ok {
		return s, nil
	}
	s := &outputSession{t: t, spec: spec, meta: meta}
	t.outputs[key] = s
	return s, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, s := range t.inputs {
		close(s.queue)
	}
	t.inputs = nil
	t.outputs = nil
	return nil
}

func (t *Transport) BeginCapture(cb transport.CaptureCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capture = cb
	return nil
}

// Spoof injects an alien transfer as if it had been received from the
// wire, for exercising subscriber/server code paths without a real
// remote peer.
func (t *Transport) Spoof(ctx context.Context, alien transport.AlienTransfer, deadline time.Time) (bool, error) {
	tr := transport.TransferFrom{
		Transfer: transport.Transfer{
			Priority:          alien.Priority,
			TransferID:        alien.TransferID,
			FragmentedPayload: alien.FragmentedPayload,
			Timestamp:         time.Now(),
		},
		SourceNodeID: alien.SourceNodeID,
	}
	return t.deliver(ctx, transport.SessionSpecifier{DataSpecifier: alien.DataSpecifier, RemoteNodeID: alien.DestinationNodeID}, tr, deadline)
}

// deliver duplicates tr into every input session that matches: the
// promiscuous session for spec's data specifier, and the selective
// session keyed to tr's sender (if any and if one exists).
// spec.RemoteNodeID only affects the destination recorded for capture
// callbacks.
func (t *Transport) deliver(ctx context.Context, spec transport.SessionSpecifier, tr transport.TransferFrom, deadline time.Time) (bool, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false, transport.ErrResourceClosed
	}
	if t.capture != nil {
		t.capture(tr.Timestamp, transport.AlienTransfer{
			Priority:          tr.Priority,
			TransferID:        tr.TransferID,
			SourceNodeID:      tr.SourceNodeID,
			DestinationNodeID: spec.RemoteNodeID,
			DataSpecifier:     spec.DataSpecifier,
			FragmentedPayload: tr.FragmentedPayload,
		})
	}
	// A selective session (keyed by the transfer's sender) and the
	// promiscuous session for the same data specifier always have
	// distinct keys, so both can be appended unconditionally without
	// risking a double delivery to one session.
	var targets []*inputSession
	promiscuous := transport.SessionSpecifier{DataSpecifier: spec.DataSpecifier}
	if s, ok := t.inputs[promiscuous.Key()]; ok {
		targets = append(targets, s)
	}
	if tr.SourceNodeID != nil {
		selective := transport.SessionSpecifier{DataSpecifier: spec.DataSpecifier, RemoteNodeID: tr.SourceNodeID}
		if s, ok := t.inputs[selective.Key()]; ok {
			targets = append(targets, s)
		}
	}
	t.mu.Unlock()

	for _, s := range targets {
		select {
		case s.queue <- tr:
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Until(deadline)):
			return false, nil
		}
	}
	return true, nil
}

type inputSession struct {
	t     *Transport
	spec  transport.SessionSpecifier
	meta  transport.PayloadMetadata
	queue chan transport.TransferFrom
}

func (s *inputSession) Specifier() transport.SessionSpecifier      { return s.spec }
func (s *inputSession) PayloadMetadata() transport.PayloadMetadata { return s.meta }

func (s *inputSession) Receive(ctx context.Context, deadline time.Time) (*transport.TransferFrom, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case tr, ok := <-s.queue:
		if !ok {
			return nil, transport.ErrResourceClosed
		}
		return &tr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (s *inputSession) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.inputs == nil {
		return nil
	}
	if _, ok := s.t.inputs[s.spec.Key()]; ok {
		delete(s.t.inputs, s.spec.Key())
		close(s.queue)
	}
	return nil
}

type outputSession struct {
	t    *Transport
	spec transport.SessionSpecifier
	meta transport.PayloadMetadata
}

func (s *outputSession) Specifier() transport.SessionSpecifier      { return s.spec }
func (s *outputSession) PayloadMetadata() transport.PayloadMetadata { return s.meta }

func (s *outputSession) Send(ctx context.Context, tr transport.Transfer, deadline time.Time) (bool, error) {
	s.t.mu.Lock()
	// A session that was closed (or whose transport was) is no longer
	// the one registered under its key.
	closed := s.t.closed || s.t.outputs[s.spec.Key()] != s
	delay := s.t.sendDelay
	forceTimeout := s.t.forceSendTimeout
	injected := s.t.injectedSendError
	params := s.t.protocolParams
	s.t.mu.Unlock()
	if closed {
		return false, transport.ErrResourceClosed
	}
	if injected != nil {
		return false, injected
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Until(deadline)):
			return false, nil
		}
	}
	if forceTimeout {
		return false, nil
	}

	wrapped := tr
	if params.TransferIDModulo > 0 {
		wrapped.TransferID = tr.TransferID % params.TransferIDModulo
	}
	from := transport.TransferFrom{Transfer: wrapped, SourceNodeID: s.t.localNodeID}
	return s.t.deliver(ctx, s.spec, from, deadline)
}

func (s *outputSession) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.outputs == nil {
		return nil
	}
	delete(s.t.outputs, s.spec.Key())
	return nil
}
