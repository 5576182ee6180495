// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sync

import (
	"context"
	"log"
	stdsync "sync"
	"time"

	"github.com/opencyphal-go/libcyphal/dsdl"
	"github.com/opencyphal-go/libcyphal/transport"
)

type tidKey struct {
	node uint16
	tid  uint64
}

type tidCluster struct {
	key   tidKey
	seq   uint64
	slots []*Item
}

func (c *tidCluster) full() bool {
	for _, s := range c.slots {
		if s == nil {
			return false
		}
	}
	return true
}

// TransferID clusters messages from N feeds by matching
// (source node-ID, transfer-ID). Anonymous messages (no source
// node-ID) are dropped.
type TransferID struct {
	mu    stdsync.Mutex
	feeds []Feed
	span  uint64

	seqCounter uint64
	clusters   map[tidKey]*tidCluster
	order      []tidKey // creation order, oldest first

	out    chan []Item
	cancel context.CancelFunc
	wg     *stdsync.WaitGroup
}

// NewTransferID constructs and starts a synchronizer over feeds. span
// <= 0 means the default of 30.
func NewTransferID(feeds []Feed, span int) *TransferID {
	if span <= 0 {
		span = 30
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &TransferID{
		feeds:    feeds,
		span:     uint64(span),
		clusters: map[tidKey]*tidCluster{},
		out:      make(chan []Item, 64),
		cancel:   cancel,
	}
	t.wg = runFeeds(ctx, feeds, t.insert)
	return t
}

func (t *TransferID) insert(index int, msg dsdl.Serializable, from transport.TransferFrom) {
	if from.SourceNodeID == nil {
		return
	}
	key := tidKey{node: *from.SourceNodeID, tid: from.TransferID}

	t.mu.Lock()
	t.evictOld()

	cl, ok := t.clusters[key]
	if !ok {
		t.seqCounter++
		cl = &tidCluster{key: key, seq: t.seqCounter, slots: make([]*Item, len(t.feeds))}
		t.clusters[key] = cl
		t.order = append(t.order, key)
	}
	cl.slots[index] = &Item{Msg: msg, From: from}

	if !cl.full() {
		t.mu.Unlock()
		return
	}

	group := make([]Item, len(cl.slots))
	for i, s := range cl.slots {
		group[i] = *s
	}
	delete(t.clusters, key)
	t.removeFromOrder(key)
	t.mu.Unlock()

	select {
	case t.out <- group:
	default:
		log.Printf("presentation/sync: transfer-id output queue full, dropping group")
	}
}

// evictOld drops clusters whose age, measured in sequence numbers
// since creation, exceeds span. Must be called with t.mu held.
func (t *TransferID) evictOld() {
	for len(t.order) > 0 {
		oldest := t.clusters[t.order[0]]
		if oldest == nil {
			t.order = t.order[1:]
			continue
		}
		if t.seqCounter-oldest.seq <= t.span {
			break
		}
		delete(t.clusters, t.order[0])
		t.order = t.order[1:]
	}
}

func (t *TransferID) removeFromOrder(key tidKey) {
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// ReceiveFor awaits the next synchronized group for up to timeout. The
// bool result is false if no group arrived before the timeout.
func (t *TransferID) ReceiveFor(ctx context.Context, timeout time.Duration) ([]Item, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case g, ok := <-t.out:
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
func (t *TransferID) ReceiveInBackground(handler func([]Item)) {
	go func() {
		for g := range t.out {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("presentation/sync: transfer-id handler panicked: %v", r)
					}
				}()
				handler(g)
			}()
		}
	}()
}

// GetInBackground is ReceiveInBackground with the transfer metadata
// stripped, passing only the messages in feed order.
func (t *TransferID) GetInBackground(handler func([]dsdl.Serializable)) {
	t.ReceiveInBackground(func(group []Item) {
		msgs := make([]dsdl.Serializable, len(group))
		for i, it := range group {
			msgs[i] = it.Msg
		}
		handler(msgs)
	})
}

// Close stops the background feed readers and closes the output
// channel, unblocking ReceiveFor/ReceiveInBackground.
func (t *TransferID) Close() {
	t.cancel()
	t.wg.Wait()
	close(t.out)
}
