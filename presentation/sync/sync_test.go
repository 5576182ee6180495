// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sync

import (
	"context"
	"time"

	"github.com/opencyphal-go/libcyphal/dsdl"
	"github.com/opencyphal-go/libcyphal/transport"
)

// fakeMsg is a minimal dsdl.Serializable stand-in carrying a float
// payload, used to exercise the synchronizers without a real transport.
type fakeMsg struct{ v float64 }

var fakeMsgModel = &dsdl.Model{FullName: "test.Fake", ExtentBytes: 8}

func (fakeMsg) DSDLModel() *dsdl.Model                     { return fakeMsgModel }
func (fakeMsg) DSDLSerialize(s *dsdl.Serializer) error     { return nil }
func (fakeMsg) DSDLDeserialize(d *dsdl.Deserializer) error { return nil }

// fakeFeed is a test-only Feed backed by a channel, fed directly by
// test code instead of a real transport session.
type fakeFeed struct {
	ch chan received
}

type received struct {
	msg  dsdl.Serializable
	from transport.TransferFrom
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan received, 16)}
}

func (f *fakeFeed) push(msg dsdl.Serializable, from transport.TransferFrom) {
	f.ch <- received{msg: msg, from: from}
}

func (f *fakeFeed) Receive(ctx context.Context, deadline time.Time) (dsdl.Serializable, *transport.TransferFrom, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case r := <-f.ch:
		return r.msg, &r.from, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-timer.C:
		return nil, nil, nil
	}
}

func transferFrom(node uint16, tid uint64) transport.TransferFrom {
	n := node
	return transport.TransferFrom{
		Transfer:     transport.Transfer{TransferID: tid, Timestamp: time.Now()},
		SourceNodeID: &n,
	}
}
