// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package presentation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opencyphal-go/libcyphal/dsdl"
	"github.com/opencyphal-go/libcyphal/transport"
)

type pendingRequest struct {
	done chan clientResult
}

type clientResult struct {
	msg  dsdl.Serializable
	from transport.TransferFrom
	err  error
}

// clientImpl is the shared implementation behind every Client proxy for
// one (service, server node) pair: the request output session, the
// response input session, the outgoing transfer-ID counter, and the
// map of pending requests keyed by modulo-reduced transfer-ID.
type clientImpl struct {
	mu          sync.Mutex
	out         transport.OutputSession
	in          transport.InputSession
	counter     *transferIDCounter
	modulo      uint64
	pending     map[uint64]*pendingRequest
	deserialize func([][]byte) (dsdl.Serializable, bool, error)
	metrics     *Metrics
	specLabel   string
	refCount    int
	closed      bool
	key         uint64
	ctrl        *Controller
	cancel      context.CancelFunc
}

func (impl *clientImpl) run(ctx context.Context) {
	for {
		tr, err := impl.in.Receive(ctx, farFuture())
		if err != nil {
			return
		}
		if tr == nil {
			continue
		}
		if tr.SourceNodeID == nil {
			impl.metrics.incDeserializationFailure(impl.specLabel)
			continue
		}
		impl.mu.Lock()
		pr, ok := impl.pending[tr.TransferID]
		impl.mu.Unlock()
		if !ok {
			impl.metrics.incUnexpectedResponse(impl.specLabel)
			continue
		}
		msg, valid, derr := impl.deserialize(tr.FragmentedPayload)
		if derr != nil || !valid {
			// The request stays pending and times out on its own.
			impl.metrics.incDeserializationFailure(impl.specLabel)
			continue
		}
		impl.mu.Lock()
		if _, still := impl.pending[tr.TransferID]; still {
			delete(impl.pending, tr.TransferID)
		}
		impl.mu.Unlock()
		pr.done <- clientResult{msg: msg, from: *tr}
	}
}

// call implements the correlation procedure: under the implementation
// mutex, allocate a transfer-ID, install the pending entry, and send
// the request; the lock is released only for the final await.
func (impl *clientImpl) call(ctx context.Context, payload []byte, priority transport.Priority, timeout time.Duration) (dsdl.Serializable, error) {
	removePending := func(tid uint64) {
		impl.mu.Lock()
		delete(impl.pending, tid)
		impl.mu.Unlock()
	}

	impl.mu.Lock()
	if impl.closed {
		impl.mu.Unlock()
		return nil, ErrPortClosed
	}
	tid := impl.counter.getThenIncrement()
	if impl.modulo > 0 {
		tid %= impl.modulo
	}
	if _, exists := impl.pending[tid]; exists {
		impl.mu.Unlock()
		return nil, ErrRequestTransferIDVariabilityExhausted
	}
	pr := &pendingRequest{done: make(chan clientResult, 1)}
	impl.pending[tid] = pr

	deadline := time.Now().Add(timeout)
	tr := transport.Transfer{Timestamp: time.Now(), Priority: priority, TransferID: tid, FragmentedPayload: [][]byte{payload}}
	ok, err := impl.out.Send(ctx, tr, deadline)
	impl.mu.Unlock()
	if err != nil {
		removePending(tid)
		if errors.Is(err, transport.ErrResourceClosed) {
			return nil, ErrPortClosed
		}
		return nil, err
	}
	if !ok {
		removePending(tid)
		return nil, fmt.Errorf("presentation: request send timed out")
	}

	select {
	case res := <-pr.done:
		return res.msg, res.err
	case <-ctx.Done():
		removePending(tid)
		return nil, ctx.Err()
	case <-time.After(time.Until(deadline)):
		removePending(tid)
		return nil, nil
	}
}

func (impl *clientImpl) release() {
	impl.mu.Lock()
	impl.refCount--
	shouldClose := impl.refCount <= 0 && !impl.closed
	if shouldClose {
		impl.closed = true
	}
	impl.mu.Unlock()
	if shouldClose {
		impl.cancel()
		impl.ctrl.deregister(impl.key)
		if err := impl.out.Close(); err != nil {
			log.Printf("presentation: closing client output session: %v", err)
		}
		if err := impl.in.Close(); err != nil {
			log.Printf("presentation: closing client input session: %v", err)
		}
	}
}

// Client is the user-facing proxy for calling one service on one
// server node.
type Client[Req dsdl.Serializable, Resp dsdl.Serializable] struct {
	impl *clientImpl

	Priority        transport.Priority
	ResponseTimeout time.Duration

	closeOnce sync.Once
}

// MakeClient constructs (or attaches a new proxy to) the client
// implementation correlating requests/responses for serviceID against
// serverNodeID.
func MakeClient[Req dsdl.Serializable, Resp dsdl.Serializable](c *Controller, serviceID uint16, serverNodeID uint16, newZeroReq func() Req, newZeroResp func() Resp) (*Client[Req, Resp], error) {
	server := serverNodeID
	outSpec := transport.SessionSpecifier{
		DataSpecifier: transport.ServiceDataSpecifier(serviceID, transport.ServiceRequest),
		RemoteNodeID:  &server,
	}
	inSpec := transport.SessionSpecifier{
		DataSpecifier: transport.ServiceDataSpecifier(serviceID, transport.ServiceResponse),
		RemoteNodeID:  &server,
	}
	key := registryKey{kind: portKindClient, spec: outSpec}.hash()

	if existing, ok := c.lookup(key); ok {
		impl := existing.(*clientImpl)
		impl.mu.Lock()
		impl.refCount++
		impl.mu.Unlock()
		return &Client[Req, Resp]{impl: impl, Priority: transport.PriorityNominal, ResponseTimeout: time.Second}, nil
	}

	if c.isClosed() {
		return nil, transport.ErrResourceClosed
	}
	out, err := c.tr.GetOutputSession(outSpec, transport.PayloadMetadata{ExtentBytes: dsdl.GetExtentBytes(newZeroReq())})
	if err != nil {
		return nil, err
	}
	in, err := c.tr.GetInputSession(inSpec, transport.PayloadMetadata{ExtentBytes: dsdl.GetExtentBytes(newZeroResp())})
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	impl := &clientImpl{
		out:     out,
		in:      in,
		counter: c.counterFor(outSpec),
		modulo:  c.tr.ProtocolParameters().TransferIDModulo,
		pending: map[uint64]*pendingRequest{},
		deserialize: func(fragments [][]byte) (dsdl.Serializable, bool, error) {
			return dsdl.Deserialize[Resp](newZeroResp, fragments)
		},
		metrics:   c.metrics,
		specLabel: outSpec.Key(),
		refCount:  1,
		key:       key,
		ctrl:      c,
		cancel:    cancel,
	}
	if !c.register(key, impl) {
		cancel()
		_ = out.Close()
		_ = in.Close()
		return nil, transport.ErrResourceClosed
	}
	go impl.run(ctx)
	return &Client[Req, Resp]{impl: impl, Priority: transport.PriorityNominal, ResponseTimeout: time.Second}, nil
}

// MakeClientWithFixedServiceID looks up the service-ID from the request
// type's DSDL model rather than taking one explicitly.
func MakeClientWithFixedServiceID[Req dsdl.Serializable, Resp dsdl.Serializable](c *Controller, serverNodeID uint16, newZeroReq func() Req, newZeroResp func() Resp) (*Client[Req, Resp], error) {
	id, ok := dsdl.GetFixedPortID(newZeroReq())
	if !ok {
		return nil, ErrNoFixedPortID
	}
	return MakeClient[Req, Resp](c, id, serverNodeID, newZeroReq, newZeroResp)
}

// Call sends req and awaits the response correlated by transfer-ID. A
// (nil, nil) result means the call timed out without a response; a
// non-nil error means a genuine failure.
func (cl *Client[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp
	payload, err := dsdl.Serialize(req)
	if err != nil {
		return zero, err
	}
	res, err := cl.impl.call(ctx, payload, cl.Priority, cl.ResponseTimeout)
	if err != nil || res == nil {
		return zero, err
	}
	return res.(Resp), nil
}

// Close releases this proxy's reference.
func (cl *Client[Req, Resp]) Close() error {
	cl.closeOnce.Do(cl.impl.release)
	return nil
}
