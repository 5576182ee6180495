// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the presentation controller: the registry of port
// implementations and the outgoing transfer-ID counters that must
// survive individual port open/close cycles.

package presentation

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/opencyphal-go/libcyphal/transport"
)

type portKind uint8

const (
	portKindPublisher portKind = iota
	portKindSubscriber
	portKindClient
	portKindServer
)

// registryKey names one (port_kind, session_specifier) slot in the
// controller's implementation registry. It is reduced to a uint64 via
// xxhash before use as a map key: a stable opaque key that does not
// change shape if SessionSpecifier grows new fields.
type registryKey struct {
	kind portKind
	spec transport.SessionSpecifier
}

func (k registryKey) hash() uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%d|%s", k.kind, k.spec.Key()))
}

// implementation is the common shape every port implementation
// (publisher/subscriber/client/server) satisfies so the controller can
// manage its lifecycle uniformly.
type implementation interface {
	release()
}

// transferIDCounter is the boxed monotonic outgoing transfer-ID
// counter: created on first use for an output session specifier,
// never decremented, and overridable for snapshot restore.
type transferIDCounter struct {
	mu    sync.Mutex
	value uint64
}

func (c *transferIDCounter) getThenIncrement() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.value
	c.value++
	return v
}

func (c *transferIDCounter) override(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
}

func (c *transferIDCounter) get() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Controller owns a transport and every presentation-layer port built
// on top of it. Closing it closes every remaining port implementation
// and then the transport itself.
type Controller struct {
	mu       sync.Mutex
	tr       transport.Transport
	registry map[uint64]implementation
	closed   bool

	countersMu  sync.Mutex
	counters    map[uint64]*transferIDCounter
	counterKeys map[uint64]string

	metrics *Metrics
}

// NewController takes ownership of tr: Controller.Close will close it.
func NewController(tr transport.Transport) *Controller {
	return &Controller{
		tr:          tr,
		registry:    map[uint64]implementation{},
		counters:    map[uint64]*transferIDCounter{},
		counterKeys: map[uint64]string{},
		metrics:     NewMetrics(),
	}
}

// Metrics returns the shared diagnostic counter set for every port this
// controller has created.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// Transport returns the underlying transport, for callers that need
// direct access (e.g. to BeginCapture).
func (c *Controller) Transport() transport.Transport { return c.tr }

func (c *Controller) counterFor(spec transport.SessionSpecifier) *transferIDCounter {
	key := xxhash.Sum64String(spec.Key())
	c.countersMu.Lock()
	defer c.countersMu.Unlock()
	if ctr, ok := c.counters[key]; ok {
		return ctr
	}
	ctr := &transferIDCounter{}
	c.counters[key] = ctr
	c.counterKeys[key] = spec.Key()
	return ctr
}

// SnapshotTransferIDCounters returns the current value of every
// outgoing transfer-ID counter, keyed by the canonical session
// specifier string, so an application can persist and later restore
// transfer-ID continuity across a process restart.
func (c *Controller) SnapshotTransferIDCounters() map[string]uint64 {
	c.countersMu.Lock()
	defer c.countersMu.Unlock()
	out := make(map[string]uint64, len(c.counters))
	for key, ctr := range c.counters {
		out[c.counterKeys[key]] = ctr.get()
	}
	return out
}

// RestoreTransferIDCounters overrides counters named in snapshot,
// creating them if they do not yet exist for this controller.
func (c *Controller) RestoreTransferIDCounters(snapshot map[string]uint64) {
	c.countersMu.Lock()
	defer c.countersMu.Unlock()
	for specKey, v := range snapshot {
		h := xxhash.Sum64String(specKey)
		ctr, ok := c.counters[h]
		if !ok {
			ctr = &transferIDCounter{}
			c.counters[h] = ctr
			c.counterKeys[h] = specKey
		}
		ctr.override(v)
	}
}

// Close closes every registered implementation and then the transport.
// Safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	impls := make([]implementation, 0, len(c.registry))
	for _, impl := range c.registry {
		impls = append(impls, impl)
	}
	c.mu.Unlock()

	for _, impl := range impls {
		impl.release()
	}
	return c.tr.Close()
}

// register installs impl under key unless the controller has already
// been closed, in which case it returns false and the caller must tear
// down anything it already constructed.
func (c *Controller) register(key uint64, impl implementation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.registry[key] = impl
	return true
}

func (c *Controller) lookup(key uint64) (implementation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	impl, ok := c.registry[key]
	return impl, ok
}

func (c *Controller) deregister(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.registry, key)
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
