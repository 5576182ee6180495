// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencyphal-go/libcyphal/transport"
)

func TestTransferIDEmitsWhenBothFeedsMatch(t *testing.T) {
	a, b := newFakeFeed(), newFakeFeed()
	tid := NewTransferID([]Feed{a, b}, 0)
	defer tid.Close()

	a.push(fakeMsg{v: 1}, transferFrom(7, 42))
	b.push(fakeMsg{v: 2}, transferFrom(7, 42))

	group, ok, err := tid.ReceiveFor(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, group, 2)
}

func TestTransferIDDropsAnonymousMessages(t *testing.T) {
	a, b := newFakeFeed(), newFakeFeed()
	tid := NewTransferID([]Feed{a, b}, 0)
	defer tid.Close()

	a.push(fakeMsg{v: 1}, transport.TransferFrom{Transfer: transport.Transfer{TransferID: 1}})
	b.push(fakeMsg{v: 2}, transferFrom(7, 1))

	_, ok, err := tid.ReceiveFor(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "anonymous half of the pair should never complete a cluster")
}

func TestTransferIDMismatchedTransferIDsNeverGroup(t *testing.T) {
	a, b := newFakeFeed(), newFakeFeed()
	tid := NewTransferID([]Feed{a, b}, 0)
	defer tid.Close()

	a.push(fakeMsg{v: 1}, transferFrom(7, 1))
	b.push(fakeMsg{v: 2}, transferFrom(7, 2))

	_, ok, err := tid.ReceiveFor(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransferIDEvictsClustersOlderThanSpan(t *testing.T) {
	a, b := newFakeFeed(), newFakeFeed()
	tid := NewTransferID([]Feed{a, b}, 2)
	defer tid.Close()

	a.push(fakeMsg{v: 1}, transferFrom(7, 0))
	time.Sleep(20 * time.Millisecond)

	// Three further clusters open on feed a alone, aging the first
	// past span=2; its eventual b-side match must not complete it.
	for i := uint64(1); i <= 3; i++ {
		a.push(fakeMsg{v: float64(i)}, transferFrom(7, i))
	}
	time.Sleep(20 * time.Millisecond)

	b.push(fakeMsg{v: 99}, transferFrom(7, 0))
	_, ok, err := tid.ReceiveFor(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "cluster for transfer 0 should have been evicted for age")
}
