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

	"github.com/opencyphal-go/libcyphal/transport/loopback"
)

func TestPublisherSubscriberFanOut(t *testing.T) {
	c := NewController(loopback.New(loopback.WithLocalNodeID(1)))
	defer c.Close()

	pub, err := MakePublisher[*scalarMsg](c, 100, newZeroScalar)
	require.NoError(t, err)
	defer pub.Close()

	sub1, err := MakeSubscriber[*scalarMsg](c, 100, newZeroScalar, 0)
	require.NoError(t, err)
	defer sub1.Close()

	sub2, err := MakeSubscriber[*scalarMsg](c, 100, newZeroScalar, 0)
	require.NoError(t, err)
	defer sub2.Close()

	ok, err := pub.Publish(context.Background(), &scalarMsg{Value: 42})
	require.NoError(t, err)
	assert.True(t, ok)

	for _, sub := range []*Subscriber[*scalarMsg]{sub1, sub2} {
		msg, from, err := sub.ReceiveFor(context.Background(), time.Second)
		require.NoError(t, err)
		require.NotNil(t, from)
		assert.EqualValues(t, 42, msg.Value)
	}
}

func TestPublisherTransferIDIncrements(t *testing.T) {
	tr := loopback.New(loopback.WithLocalNodeID(1),
		loopback.WithProtocolParameters(loopback.DefaultProtocolParameters))
	c := NewController(tr)
	defer c.Close()

	pub, err := MakePublisher[*scalarMsg](c, 200, newZeroScalar)
	require.NoError(t, err)
	defer pub.Close()
	sub, err := MakeSubscriber[*scalarMsg](c, 200, newZeroScalar, 0)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		_, err := pub.Publish(context.Background(), &scalarMsg{Value: uint16(i)})
		require.NoError(t, err)
	}
	var ids []uint64
	for i := 0; i < 3; i++ {
		_, from, err := sub.ReceiveFor(context.Background(), time.Second)
		require.NoError(t, err)
		require.NotNil(t, from)
		ids = append(ids, from.TransferID)
	}
	assert.Equal(t, []uint64{0, 1, 2}, ids)
}

func TestPublisherSharedAcrossProxiesUntilLastClose(t *testing.T) {
	c := NewController(loopback.New(loopback.WithLocalNodeID(1)))
	defer c.Close()

	p1, err := MakePublisher[*scalarMsg](c, 300, newZeroScalar)
	require.NoError(t, err)
	p2, err := MakePublisher[*scalarMsg](c, 300, newZeroScalar)
	require.NoError(t, err)
	assert.Same(t, p1.impl, p2.impl)

	require.NoError(t, p1.Close())
	_, err = p2.Publish(context.Background(), &scalarMsg{Value: 1})
	assert.NoError(t, err, "second proxy keeps the shared session alive after the first closes")
	require.NoError(t, p2.Close())
}
