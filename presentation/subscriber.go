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

// received is what a subscriberImpl fans out: a successfully
// deserialized message paired with the transfer it came from.
type received struct {
	msg  dsdl.Serializable
	from transport.TransferFrom
}

type subscriberProxyHandle struct {
	queue chan received
}

// subscriberImpl runs one background goroutine per session specifier
// that reads the input session, deserializes each transfer, and fans
// the result out to every live proxy's bounded queue.
type subscriberImpl struct {
	mu          sync.Mutex
	in          transport.InputSession
	deserialize func([][]byte) (dsdl.Serializable, bool, error)
	proxies     map[*subscriberProxyHandle]struct{}
	metrics     *Metrics
	specLabel   string
	refCount    int
	closed      bool
	key         uint64
	ctrl        *Controller
	cancel      context.CancelFunc
}

func (impl *subscriberImpl) run(ctx context.Context) {
	for {
		tr, err := impl.in.Receive(ctx, farFuture())
		if err != nil {
			return
		}
		if tr == nil {
			continue
		}
		msg, ok, derr := impl.deserialize(tr.FragmentedPayload)
		if derr != nil || !ok {
			impl.metrics.incDeserializationFailure(impl.specLabel)
			continue
		}
		r := received{msg: msg, from: *tr}
		impl.mu.Lock()
		for p := range impl.proxies {
			select {
			case p.queue <- r:
			default:
				impl.metrics.incOverrun(impl.specLabel)
			}
		}
		impl.mu.Unlock()
	}
}

func farFuture() time.Time { return time.Now().Add(24 * 365 * time.Hour) }

func (impl *subscriberImpl) attach(capacity int) *subscriberProxyHandle {
	if capacity <= 0 {
		capacity = 4096
	}
	h := &subscriberProxyHandle{queue: make(chan received, capacity)}
	impl.mu.Lock()
	impl.proxies[h] = struct{}{}
	impl.refCount++
	impl.mu.Unlock()
	return h
}

func (impl *subscriberImpl) detach(h *subscriberProxyHandle) {
	impl.mu.Lock()
	delete(impl.proxies, h)
	impl.refCount--
	shouldClose := impl.refCount <= 0 && !impl.closed
	if shouldClose {
		impl.closed = true
	}
	impl.mu.Unlock()
	// Safe to close without racing impl.run's fan-out: h was removed from
	// impl.proxies before this point under the same mutex, and run only
	// sends to handles it observes while holding that mutex.
	close(h.queue)
	if shouldClose {
		impl.cancel()
		impl.ctrl.deregister(impl.key)
		if err := impl.in.Close(); err != nil {
			log.Printf("presentation: closing subscriber input session: %v", err)
		}
	}
}

// release implements the controller's implementation interface; Controller.Close
// calls this on every registered port, mirroring publisherImpl.release
// and clientImpl.release.
func (impl *subscriberImpl) release() {
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
		if err := impl.in.Close(); err != nil {
			log.Printf("presentation: closing subscriber input session: %v", err)
		}
	}
}

// Subscriber is the user-facing proxy for receiving values of type T on
// one subject. Every live proxy for the same subject sees every
// message (fan-out), each through its own bounded queue.
type Subscriber[T dsdl.Serializable] struct {
	impl   *subscriberImpl
	handle *subscriberProxyHandle

	closeOnce sync.Once
}

// MakeSubscriber attaches a new proxy to the subscriber implementation
// for subjectID, creating it on first use. queueCapacity <= 0 selects a
// generously sized default queue; Go channels cannot express a truly
// unbounded queue without a dedicated buffering goroutine.
func MakeSubscriber[T dsdl.Serializable](c *Controller, subjectID uint16, newZero func() T, queueCapacity int) (*Subscriber[T], error) {
	spec := transport.SessionSpecifier{DataSpecifier: transport.MessageDataSpecifier(subjectID)}
	return makeSubscriber[T](c, spec, newZero, queueCapacity)
}

// MakeSubscriberWithFixedSubjectID mirrors MakePublisherWithFixedSubjectID.
func MakeSubscriberWithFixedSubjectID[T dsdl.Serializable](c *Controller, newZero func() T, queueCapacity int) (*Subscriber[T], error) {
	id, ok := dsdl.GetFixedPortID(newZero())
	if !ok {
		return nil, ErrNoFixedPortID
	}
	return MakeSubscriber[T](c, id, newZero, queueCapacity)
}

func makeSubscriber[T dsdl.Serializable](c *Controller, spec transport.SessionSpecifier, newZero func() T, queueCapacity int) (*Subscriber[T], error) {
	key := registryKey{kind: portKindSubscriber, spec: spec}.hash()

	if existing, ok := c.lookup(key); ok {
		impl := existing.(*subscriberImpl)
		return &Subscriber[T]{impl: impl, handle: impl.attach(queueCapacity)}, nil
	}

	if c.isClosed() {
		return nil, transport.ErrResourceClosed
	}
	in, err := c.tr.GetInputSession(spec, transport.PayloadMetadata{ExtentBytes: dsdl.GetExtentBytes(newZero())})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	impl := &subscriberImpl{
		in: in,
		deserialize: func(fragments [][]byte) (dsdl.Serializable, bool, error) {
			return dsdl.Deserialize[T](newZero, fragments)
		},
		proxies:   map[*subscriberProxyHandle]struct{}{},
		metrics:   c.metrics,
		specLabel: spec.Key(),
		key:       key,
		ctrl:      c,
		cancel:    cancel,
	}
	if !c.register(key, impl) {
		cancel()
		_ = in.Close()
		return nil, transport.ErrResourceClosed
	}
	go impl.run(ctx)
	return &Subscriber[T]{impl: impl, handle: impl.attach(queueCapacity)}, nil
}

// Receive suspends until a message arrives, the deadline passes (nil,
// nil result), or this proxy is closed (ErrPortClosed).
func (s *Subscriber[T]) Receive(ctx context.Context, deadline time.Time) (T, *transport.TransferFrom, error) {
	var zero T
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case r, ok := <-s.handle.queue:
		if !ok {
			return zero, nil, ErrPortClosed
		}
		return r.msg.(T), &r.from, nil
	case <-ctx.Done():
		return zero, nil, ctx.Err()
	case <-timer.C:
		return zero, nil, nil
	}
}

// ReceiveFor is Receive with a relative timeout.
func (s *Subscriber[T]) ReceiveFor(ctx context.Context, timeout time.Duration) (T, *transport.TransferFrom, error) {
	return s.Receive(ctx, time.Now().Add(timeout))
}

// Get returns only the message, discarding transfer metadata. The
// returned bool is false if timeout elapsed with nothing received.
func (s *Subscriber[T]) Get(ctx context.Context, timeout time.Duration) (T, bool, error) {
	msg, from, err := s.ReceiveFor(ctx, timeout)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return msg, from != nil, nil
}

// ReceiveInBackground starts a goroutine that awaits messages and
// invokes handler for each, until the proxy is closed. The goroutine is
// stopped (not joined) by Close. Do not mix this with direct Receive*
// calls on the same proxy: both drain the same queue, so which of the
// two sees any given message is unspecified.
func (s *Subscriber[T]) ReceiveInBackground(handler func(T, transport.TransferFrom)) {
	go func() {
		for {
			msg, from, err := s.Receive(context.Background(), farFuture())
			if err != nil {
				return
			}
			if from == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("presentation: subscriber handler panicked: %v", r)
					}
				}()
				handler(msg, *from)
			}()
		}
	}()
}

// Close releases this proxy. The implementation's background task and
// underlying input session are torn down when the last proxy closes.
func (s *Subscriber[T]) Close() error {
	s.closeOnce.Do(func() { s.impl.detach(s.handle) })
	return nil
}
