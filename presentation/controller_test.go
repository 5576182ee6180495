// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package presentation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencyphal-go/libcyphal/transport"
	"github.com/opencyphal-go/libcyphal/transport/loopback"
)

func TestImplementationRemovedFromRegistryAfterLastProxyCloses(t *testing.T) {
	c := NewController(loopback.New(loopback.WithLocalNodeID(1)))
	defer c.Close()

	p1, err := MakePublisher[*scalarMsg](c, 700, newZeroScalar)
	require.NoError(t, err)
	p2, err := MakePublisher[*scalarMsg](c, 700, newZeroScalar)
	require.NoError(t, err)
	key := p1.impl.key

	require.NoError(t, p1.Close())
	_, ok := c.lookup(key)
	assert.True(t, ok, "implementation must survive while a proxy remains")

	require.NoError(t, p2.Close())
	_, ok = c.lookup(key)
	assert.False(t, ok, "implementation must leave the registry with its last proxy")
}

// TestTransferIDContinuityAcrossPortReopen checks that the outgoing
// transfer-ID counter outlives the port that created it: closing every
// publisher proxy and opening a fresh one must not restart the counter
// at zero.
func TestTransferIDContinuityAcrossPortReopen(t *testing.T) {
	c := NewController(loopback.New(loopback.WithLocalNodeID(1)))
	defer c.Close()

	sub, err := MakeSubscriber[*scalarMsg](c, 701, newZeroScalar, 0)
	require.NoError(t, err)
	defer sub.Close()

	pub, err := MakePublisher[*scalarMsg](c, 701, newZeroScalar)
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), &scalarMsg{Value: 1})
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	pub2, err := MakePublisher[*scalarMsg](c, 701, newZeroScalar)
	require.NoError(t, err)
	defer pub2.Close()
	_, err = pub2.Publish(context.Background(), &scalarMsg{Value: 2})
	require.NoError(t, err)

	var ids []uint64
	for i := 0; i < 2; i++ {
		_, from, err := sub.ReceiveFor(context.Background(), time.Second)
		require.NoError(t, err)
		require.NotNil(t, from)
		ids = append(ids, from.TransferID)
	}
	assert.Equal(t, []uint64{0, 1}, ids)
}

func TestSnapshotAndRestoreTransferIDCounters(t *testing.T) {
	c1 := NewController(loopback.New(loopback.WithLocalNodeID(1)))
	pub, err := MakePublisher[*scalarMsg](c1, 702, newZeroScalar)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := pub.Publish(context.Background(), &scalarMsg{Value: uint16(i)})
		require.NoError(t, err)
	}
	snapshot := c1.SnapshotTransferIDCounters()
	require.NoError(t, pub.Close())
	require.NoError(t, c1.Close())

	// A fresh controller restored from the snapshot continues the
	// sequence where the old process left off.
	c2 := NewController(loopback.New(loopback.WithLocalNodeID(1)))
	defer c2.Close()
	c2.RestoreTransferIDCounters(snapshot)

	sub, err := MakeSubscriber[*scalarMsg](c2, 702, newZeroScalar, 0)
	require.NoError(t, err)
	defer sub.Close()
	pub2, err := MakePublisher[*scalarMsg](c2, 702, newZeroScalar)
	require.NoError(t, err)
	defer pub2.Close()

	_, err = pub2.Publish(context.Background(), &scalarMsg{Value: 9})
	require.NoError(t, err)
	_, from, err := sub.ReceiveFor(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, from)
	assert.EqualValues(t, 3, from.TransferID)
}

func TestControllerCloseClosesTransportAndRejectsNewPorts(t *testing.T) {
	tr := loopback.New(loopback.WithLocalNodeID(1))
	c := NewController(tr)

	pub, err := MakePublisher[*scalarMsg](c, 703, newZeroScalar)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = pub.Publish(context.Background(), &scalarMsg{Value: 1})
	assert.ErrorIs(t, err, transport.ErrResourceClosed)

	_, err = MakePublisher[*scalarMsg](c, 704, newZeroScalar)
	assert.ErrorIs(t, err, transport.ErrResourceClosed)
}
