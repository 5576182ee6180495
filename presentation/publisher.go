// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package presentation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/opencyphal-go/libcyphal/dsdl"
	"github.com/opencyphal-go/libcyphal/transport"
)

// publisherImpl is the shared, reference-counted implementation behind
// every Publisher proxy on the same output session specifier.
type publisherImpl struct {
	mu       sync.Mutex
	out      transport.OutputSession
	counter  *transferIDCounter
	modulo   uint64
	refCount int
	closed   bool
	key      uint64
	ctrl     *Controller
}

func (impl *publisherImpl) release() {
	impl.mu.Lock()
	impl.refCount--
	shouldClose := impl.refCount <= 0 && !impl.closed
	if shouldClose {
		impl.closed = true
	}
	impl.mu.Unlock()
	if shouldClose {
		impl.ctrl.deregister(impl.key)
		if err := impl.out.Close(); err != nil {
			log.Printf("presentation: closing publisher output session: %v", err)
		}
	}
}

// publish holds the implementation mutex across the send so that
// Publish calls on the same implementation complete in invocation
// order.
func (impl *publisherImpl) publish(ctx context.Context, payload []byte, priority transport.Priority, timeout time.Duration) (bool, error) {
	impl.mu.Lock()
	defer impl.mu.Unlock()
	if impl.closed {
		return false, ErrPortClosed
	}
	tid := impl.counter.getThenIncrement()
	if impl.modulo > 0 {
		tid %= impl.modulo
	}

	tr := transport.Transfer{
		Timestamp:         time.Now(),
		Priority:          priority,
		TransferID:        tid,
		FragmentedPayload: [][]byte{payload},
	}
	ok, err := impl.out.Send(ctx, tr, time.Now().Add(timeout))
	if err != nil {
		if errors.Is(err, transport.ErrResourceClosed) {
			impl.closed = true
			return false, ErrPortClosed
		}
		return false, err
	}
	return ok, nil
}

// Publisher is the user-facing proxy for publishing values of type T on
// one subject. Multiple Publisher proxies constructed for the same
// subject share one underlying output session and transfer-ID counter.
type Publisher[T dsdl.Serializable] struct {
	impl *publisherImpl

	// Priority defaults to NOMINAL; SendTimeout defaults to one second.
	// Both may be changed per-proxy without affecting sibling proxies.
	Priority    transport.Priority
	SendTimeout time.Duration

	closeOnce sync.Once
}

// MakePublisher constructs (or attaches a new proxy to) the publisher
// implementation for subjectID. newZero is used once, to size the
// output session's payload buffer from T's DSDL model.
func MakePublisher[T dsdl.Serializable](c *Controller, subjectID uint16, newZero func() T) (*Publisher[T], error) {
	spec := transport.SessionSpecifier{DataSpecifier: transport.MessageDataSpecifier(subjectID)}
	return makePublisher[T](c, spec, newZero)
}

// MakePublisherWithFixedSubjectID looks up T's fixed subject-ID from its
// DSDL model rather than taking one explicitly.
func MakePublisherWithFixedSubjectID[T dsdl.Serializable](c *Controller, newZero func() T) (*Publisher[T], error) {
	id, ok := dsdl.GetFixedPortID(newZero())
	if !ok {
		return nil, ErrNoFixedPortID
	}
	return MakePublisher[T](c, id, newZero)
}

func makePublisher[T dsdl.Serializable](c *Controller, spec transport.SessionSpecifier, newZero func() T) (*Publisher[T], error) {
	key := registryKey{kind: portKindPublisher, spec: spec}.hash()

	if existing, ok := c.lookup(key); ok {
		impl := existing.(*publisherImpl)
		impl.mu.Lock()
		impl.refCount++
		impl.mu.Unlock()
		return newPublisherProxy[T](impl), nil
	}

	if c.isClosed() {
		return nil, transport.ErrResourceClosed
	}
	out, err := c.tr.GetOutputSession(spec, transport.PayloadMetadata{ExtentBytes: dsdl.GetExtentBytes(newZero())})
	if err != nil {
		return nil, err
	}
	impl := &publisherImpl{
		out:      out,
		counter:  c.counterFor(spec),
		modulo:   c.tr.ProtocolParameters().TransferIDModulo,
		refCount: 1,
		key:      key,
		ctrl:     c,
	}
	if !c.register(key, impl) {
		_ = out.Close()
		return nil, transport.ErrResourceClosed
	}
	return newPublisherProxy[T](impl), nil
}

func newPublisherProxy[T dsdl.Serializable](impl *publisherImpl) *Publisher[T] {
	return &Publisher[T]{impl: impl, Priority: transport.PriorityNominal, SendTimeout: time.Second}
}

// Publish serializes msg, allocates the next transfer-ID, and sends it
// with the proxy's configured priority within SendTimeout. It returns
// false (not an error) if the send times out.
func (p *Publisher[T]) Publish(ctx context.Context, msg T) (bool, error) {
	payload, err := dsdl.Serialize(msg)
	if err != nil {
		return false, err
	}
	return p.impl.publish(ctx, payload, p.Priority, p.SendTimeout)
}

// PublishSoon fires Publish in the background and logs failures.
// Ordering relative to other PublishSoon/Publish calls on the same
// proxy is unspecified.
func (p *Publisher[T]) PublishSoon(msg T) {
	go func() {
		if ok, err := p.Publish(context.Background(), msg); err != nil {
			log.Printf("presentation: publish_soon failed: %v", err)
		} else if !ok {
			log.Printf("presentation: publish_soon timed out")
		}
	}()
}

// Close releases this proxy's reference. The implementation (and its
// underlying output session) is torn down when the last proxy closes.
func (p *Publisher[T]) Close() error {
	p.closeOnce.Do(p.impl.release)
	return nil
}
