// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sync

import (
	"context"
	"log"
	"sort"
	stdsync "sync"
	"time"

	"github.com/opencyphal-go/libcyphal/dsdl"
	"github.com/opencyphal-go/libcyphal/transport"
)

// KeyFunc maps a received message to a monotonically non-decreasing
// clustering key, e.g. a payload timestamp field or local receipt time.
type KeyFunc func(msg dsdl.Serializable, from transport.TransferFrom) float64

type cluster struct {
	key   float64
	seq   uint64
	slots []*Item
}

func (c *cluster) full() bool {
	for _, s := range c.slots {
		if s == nil {
			return false
		}
	}
	return true
}

// Monotonic clusters messages from N feeds by a key function and
// tolerance: a message joins the nearest existing cluster within
// tolerance of its key, or opens a new one, and a cluster is emitted
// as soon as every feed has filled its slot.
type Monotonic struct {
	mu         stdsync.Mutex
	feeds      []Feed
	key        KeyFunc
	tolerance  float64
	depthLimit int
	clusters   []*cluster // sorted ascending by key
	seqCounter uint64

	out    chan []Item
	cancel context.CancelFunc
	wg     *stdsync.WaitGroup
}

// NewMonotonic constructs and starts a synchronizer over feeds. depth
// <= 0 means the default limit of 15 clusters.
func NewMonotonic(feeds []Feed, key KeyFunc, tolerance float64, depth int) *Monotonic {
	if depth <= 0 {
		depth = 15
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monotonic{
		feeds:      feeds,
		key:        key,
		tolerance:  tolerance,
		depthLimit: depth,
		out:        make(chan []Item, 64),
		cancel:     cancel,
	}
	m.wg = runFeeds(ctx, feeds, m.insert)
	return m
}

// SetTolerance changes the clustering tolerance at runtime, enabling
// feedback-driven auto-tuning.
func (m *Monotonic) SetTolerance(t float64) {
	m.mu.Lock()
	m.tolerance = t
	m.mu.Unlock()
}

func (m *Monotonic) insert(index int, msg dsdl.Serializable, from transport.TransferFrom) {
	k := m.key(msg, from)

	m.mu.Lock()
	cl := m.findNeighbor(k)
	if cl == nil {
		m.seqCounter++
		cl = &cluster{key: k, seq: m.seqCounter, slots: make([]*Item, len(m.feeds))}
		m.insertSorted(cl)
		if len(m.clusters) > m.depthLimit {
			m.evictSmallestSeq()
		}
	}
	cl.slots[index] = &Item{Msg: msg, From: from}

	if !cl.full() {
		m.mu.Unlock()
		return
	}

	group := make([]Item, len(cl.slots))
	for i, s := range cl.slots {
		group[i] = *s
	}
	m.dropUpTo(cl.key)
	m.mu.Unlock()

	select {
	case m.out <- group:
	default:
		log.Printf("presentation/sync: monotonic output queue full, dropping group")
	}
}

// findNeighbor bisects the sorted cluster slice at key k and checks up
// to three neighboring clusters (the two adjacent to the insertion
// point plus the one found directly, if any), returning the nearest
// one within tolerance or nil.
func (m *Monotonic) findNeighbor(k float64) *cluster {
	n := len(m.clusters)
	p := sort.Search(n, func(i int) bool { return m.clusters[i].key >= k })

	var best *cluster
	bestDist := m.tolerance
	consider := func(i int) {
		if i < 0 || i >= n {
			return
		}
		d := m.clusters[i].key - k
		if d < 0 {
			d = -d
		}
		if d <= bestDist {
			bestDist = d
			best = m.clusters[i]
		}
	}
	consider(p - 1)
	consider(p)
	consider(p + 1)
	return best
}

func (m *Monotonic) insertSorted(cl *cluster) {
	n := len(m.clusters)
	p := sort.Search(n, func(i int) bool { return m.clusters[i].key >= cl.key })
	m.clusters = append(m.clusters, nil)
	copy(m.clusters[p+1:], m.clusters[p:])
	m.clusters[p] = cl
}

// dropUpTo removes the emitted cluster and every cluster with a
// smaller-or-equal key, per step 4 of the insertion policy.
func (m *Monotonic) dropUpTo(key float64) {
	n := len(m.clusters)
	p := sort.Search(n, func(i int) bool { return m.clusters[i].key > key })
	m.clusters = append([]*cluster(nil), m.clusters[p:]...)
}

func (m *Monotonic) evictSmallestSeq() {
	if len(m.clusters) == 0 {
		return
	}
	minIdx := 0
	for i, cl := range m.clusters {
		if cl.seq < m.clusters[minIdx].seq {
			minIdx = i
		}
	}
	m.clusters = append(m.clusters[:minIdx], m.clusters[minIdx+1:]...)
}

// ReceiveFor awaits the next synchronized group for up to timeout. The
// bool result is false if no group arrived before the timeout.
func (m *Monotonic) ReceiveFor(ctx context.Context, timeout time.Duration) ([]Item, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case g, ok := <-m.out:
		if !ok {
			return nil, false, nil
		}
		return g, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-timer.C:
		return nil, false, nil
	}
}

// ReceiveInBackground invokes handler for every synchronized group
// until the synchronizer is closed.
func (m *Monotonic) ReceiveInBackground(handler func([]Item)) {
	go func() {
		for g := range m.out {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("presentation/sync: monotonic handler panicked: %v", r)
					}
				}()
				handler(g)
			}()
		}
	}()
}

// GetInBackground is ReceiveInBackground with the transfer metadata
// stripped, passing only the messages in feed order.
func (m *Monotonic) GetInBackground(handler func([]dsdl.Serializable)) {
	m.ReceiveInBackground(func(group []Item) {
		msgs := make([]dsdl.Serializable, len(group))
		for i, it := range group {
			msgs[i] = it.Msg
		}
		handler(msgs)
	})
}

// Close stops the background feed readers and closes the output
// channel, unblocking ReceiveFor/ReceiveInBackground. It does not close
// the underlying feeds themselves.
func (m *Monotonic) Close() {
	m.cancel()
	m.wg.Wait()
	close(m.out)
}
