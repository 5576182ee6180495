// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package presentation

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/opencyphal-go/libcyphal/dsdl"
	"github.com/opencyphal-go/libcyphal/transport"
)

// RequestMetadata carries the information a Server handler needs about
// the request beyond its decoded value.
type RequestMetadata struct {
	Priority     transport.Priority
	TransferID   uint64
	SourceNodeID uint16
}

// Server is returned directly by GetServer with no proxy indirection:
// repeated calls for the same service return the same instance. It is
// not reference-counted; Close tears it down unconditionally.
type Server[Req dsdl.Serializable, Resp dsdl.Serializable] struct {
	mu          sync.Mutex
	in          transport.InputSession
	outs        map[uint16]transport.OutputSession
	newZeroReq  func() Req
	newZeroResp func() Resp
	metrics     *Metrics
	specLabel   string
	closed      bool
	key         uint64
	ctrl        *Controller
	serving     bool
	cancel      context.CancelFunc

	// SendTimeout bounds how long a response waits to be accepted by
	// the transport before being abandoned with a logged warning.
	SendTimeout time.Duration
}

// GetServer returns the (possibly already-constructed) server for
// serviceID, reusing the one instance across repeated calls.
func GetServer[Req dsdl.Serializable, Resp dsdl.Serializable](c *Controller, serviceID uint16, newZeroReq func() Req, newZeroResp func() Resp) (*Server[Req, Resp], error) {
	spec := transport.SessionSpecifier{DataSpecifier: transport.ServiceDataSpecifier(serviceID, transport.ServiceRequest)}
	key := registryKey{kind: portKindServer, spec: spec}.hash()

	if existing, ok := c.lookup(key); ok {
		return existing.(*Server[Req, Resp]), nil
	}

	if c.isClosed() {
		return nil, transport.ErrResourceClosed
	}
	in, err := c.tr.GetInputSession(spec, transport.PayloadMetadata{ExtentBytes: dsdl.GetExtentBytes(newZeroReq())})
	if err != nil {
		return nil, err
	}
	s := &Server[Req, Resp]{
		in:          in,
		outs:        map[uint16]transport.OutputSession{},
		newZeroReq:  newZeroReq,
		newZeroResp: newZeroResp,
		metrics:     c.metrics,
		specLabel:   spec.Key(),
		key:         key,
		ctrl:        c,
		SendTimeout: time.Second,
	}
	if !c.register(key, s) {
		_ = in.Close()
		return nil, transport.ErrResourceClosed
	}
	return s, nil
}

// GetServerWithFixedServiceID looks up the service-ID from the request
// type's DSDL model rather than taking one explicitly.
func GetServerWithFixedServiceID[Req dsdl.Serializable, Resp dsdl.Serializable](c *Controller, newZeroReq func() Req, newZeroResp func() Resp) (*Server[Req, Resp], error) {
	id, ok := dsdl.GetFixedPortID(newZeroReq())
	if !ok {
		return nil, ErrNoFixedPortID
	}
	return GetServer[Req, Resp](c, id, newZeroReq, newZeroResp)
}

// release implements the controller's implementation interface; Server
// has no refcounting so this simply closes it.
func (s *Server[Req, Resp]) release() { _ = s.Close() }

// Serve runs the accept loop until ctx is cancelled or deadline passes,
// invoking handler for each well-formed request. Only one Serve* call
// may be active on a Server at a time.
func (s *Server[Req, Resp]) Serve(ctx context.Context, handler func(Req, RequestMetadata) (Resp, bool), deadline time.Time) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return ErrPortClosed
	}
	s.serving = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.serving = false
		s.mu.Unlock()
	}()

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil
		}
		d := deadline
		if d.IsZero() {
			d = farFuture()
		}
		tr, err := s.in.Receive(ctx, d)
		if err != nil {
			return err
		}
		if tr == nil {
			continue
		}
		s.handleOne(ctx, *tr, handler)
	}
}

// ServeFor is Serve with a relative timeout.
func (s *Server[Req, Resp]) ServeFor(ctx context.Context, handler func(Req, RequestMetadata) (Resp, bool), timeout time.Duration) error {
	return s.Serve(ctx, handler, time.Now().Add(timeout))
}

// ServeInBackground runs Serve in a goroutine until the Server is
// closed.
func (s *Server[Req, Resp]) ServeInBackground(handler func(Req, RequestMetadata) (Resp, bool)) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go func() {
		if err := s.Serve(ctx, handler, time.Time{}); err != nil {
			log.Printf("presentation: server background loop stopped: %v", err)
		}
	}()
}

func (s *Server[Req, Resp]) handleOne(ctx context.Context, tr transport.TransferFrom, handler func(Req, RequestMetadata) (Resp, bool)) {
	if tr.SourceNodeID == nil {
		s.metrics.incDeserializationFailure(s.specLabel)
		return
	}
	req, valid, err := dsdl.Deserialize[Req](s.newZeroReq, tr.FragmentedPayload)
	if err != nil || !valid {
		s.metrics.incDeserializationFailure(s.specLabel)
		return
	}
	meta := RequestMetadata{Priority: tr.Priority, TransferID: tr.TransferID, SourceNodeID: *tr.SourceNodeID}

	resp, ok := func() (resp Resp, ok bool) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("presentation: server handler panicked: %v", r)
				ok = false
			}
		}()
		return handler(req, meta)
	}()
	if !ok {
		return
	}

	payload, err := dsdl.Serialize(resp)
	if err != nil {
		log.Printf("presentation: server response failed to serialize: %v", err)
		return
	}

	out, err := s.responseOutputFor(*tr.SourceNodeID, dsdl.GetExtentBytes(resp))
	if err != nil {
		log.Printf("presentation: server could not open response session to node %d: %v", *tr.SourceNodeID, err)
		return
	}

	respTr := transport.Transfer{
		Timestamp:         time.Now(),
		Priority:          tr.Priority,
		TransferID:        tr.TransferID,
		FragmentedPayload: [][]byte{payload},
	}
	ok2, err := out.Send(ctx, respTr, time.Now().Add(s.SendTimeout))
	if err != nil {
		log.Printf("presentation: server response send failed: %v", err)
		return
	}
	if !ok2 {
		log.Printf("presentation: server response to node %d abandoned: send timed out", *tr.SourceNodeID)
	}
}

// responseOutputFor returns the cached per-client response output
// session, creating it lazily on the first response to clientNodeID.
func (s *Server[Req, Resp]) responseOutputFor(clientNodeID uint16, respExtent int) (transport.OutputSession, error) {
	s.mu.Lock()
	if out, ok := s.outs[clientNodeID]; ok {
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	serviceID := s.serviceID()
	node := clientNodeID
	spec := transport.SessionSpecifier{
		DataSpecifier: transport.ServiceDataSpecifier(serviceID, transport.ServiceResponse),
		RemoteNodeID:  &node,
	}
	out, err := s.ctrl.tr.GetOutputSession(spec, transport.PayloadMetadata{ExtentBytes: respExtent})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.outs[clientNodeID] = out
	s.mu.Unlock()
	return out, nil
}

func (s *Server[Req, Resp]) serviceID() uint16 {
	return s.in.Specifier().DataSpecifier.ServiceID()
}

// Close closes every cached per-client output session and the request
// input session, and stops any background Serve loop.
func (s *Server[Req, Resp]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	outs := s.outs
	s.outs = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.ctrl.deregister(s.key)
	for _, out := range outs {
		if err := out.Close(); err != nil {
			log.Printf("presentation: closing server response session: %v", err)
		}
	}
	return s.in.Close()
}
