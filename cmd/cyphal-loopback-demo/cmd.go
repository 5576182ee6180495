// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/opencyphal-go/libcyphal/dsdl"
	"github.com/opencyphal-go/libcyphal/presentation"
	"github.com/opencyphal-go/libcyphal/transport/loopback"
)

// kongContext is the context struct required by kong.
type kongContext struct{}

type pubsubCmd struct {
	SubjectID uint16 `flag:"" optional:"" default:"1000" help:"Subject-ID to publish and subscribe on"`
	Count     int    `flag:"" optional:"" default:"3" help:"Number of messages to publish"`
}

type rpcCmd struct {
	ServiceID uint16 `flag:"" optional:"" default:"2000" help:"Service-ID the demo client/server exchange on"`
	Request   uint32 `flag:"" optional:"" default:"42" help:"Request payload the echo server returns unchanged"`
}

var cli struct {
	Pubsub pubsubCmd `cmd:"" help:"Publish N messages to one subject and print what every subscriber receives"`
	Rpc    rpcCmd    `cmd:"" help:"Register an echo server and call it once"`
}

// demoMessage is a minimal hand-written stand-in for a generated DSDL
// message used by both subcommands below.
type demoMessage struct {
	Value uint32
}

var demoMessageModel = &dsdl.Model{FullName: "demo.Scalar", ExtentBytes: 4, IsMessage: true}

func (m demoMessage) DSDLModel() *dsdl.Model { return demoMessageModel }
func (m demoMessage) DSDLSerialize(s *dsdl.Serializer) error {
	return s.AddAlignedU32(m.Value)
}
func (m *demoMessage) DSDLDeserialize(d *dsdl.Deserializer) error {
	v, err := d.FetchAlignedU32()
	if err != nil {
		return err
	}
	m.Value = v
	return nil
}

func newZeroDemoMessage() *demoMessage { return &demoMessage{} }

// Run demonstrates a publisher and two subscribers on the same
// subject, each subscriber seeing every message.
func (p *pubsubCmd) Run(_ *kongContext) error {
	ctrl := presentation.NewController(loopback.New(loopback.WithLocalNodeID(1)))
	defer ctrl.Close()

	pub, err := presentation.MakePublisher[*demoMessage](ctrl, p.SubjectID, newZeroDemoMessage)
	if err != nil {
		return fmt.Errorf("make publisher: %w", err)
	}
	defer pub.Close()

	subA, err := presentation.MakeSubscriber[*demoMessage](ctrl, p.SubjectID, newZeroDemoMessage, 0)
	if err != nil {
		return fmt.Errorf("make subscriber A: %w", err)
	}
	defer subA.Close()

	subB, err := presentation.MakeSubscriber[*demoMessage](ctrl, p.SubjectID, newZeroDemoMessage, 0)
	if err != nil {
		return fmt.Errorf("make subscriber B: %w", err)
	}
	defer subB.Close()

	ctx := context.Background()
	for i := 0; i < p.Count; i++ {
		msg := &demoMessage{Value: uint32(i)}
		if ok, err := pub.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publish: %w", err)
		} else if !ok {
			return fmt.Errorf("publish %d timed out", i)
		}
		for name, sub := range map[string]*presentation.Subscriber[*demoMessage]{"A": subA, "B": subB} {
			got, from, err := sub.ReceiveFor(ctx, time.Second)
			if err != nil {
				return fmt.Errorf("receive on %s: %w", name, err)
			}
			if from == nil {
				return fmt.Errorf("subscriber %s saw no message for publish %d", name, i)
			}
			fmt.Printf("subscriber %s received value=%d transfer_id=%d\n", name, got.Value, from.TransferID)
		}
	}
	return nil
}

// Run demonstrates a server that echoes the request and a client call
// whose response matches.
func (r *rpcCmd) Run(_ *kongContext) error {
	ctrl := presentation.NewController(loopback.New(loopback.WithLocalNodeID(1)))
	defer ctrl.Close()

	srv, err := presentation.GetServer[*demoMessage, *demoMessage](ctrl, r.ServiceID, newZeroDemoMessage, newZeroDemoMessage)
	if err != nil {
		return fmt.Errorf("get server: %w", err)
	}
	srv.ServeInBackground(func(req *demoMessage, meta presentation.RequestMetadata) (*demoMessage, bool) {
		fmt.Printf("server received request value=%d from node=%d\n", req.Value, meta.SourceNodeID)
		return &demoMessage{Value: req.Value}, true
	})
	defer srv.Close()

	cl, err := presentation.MakeClient[*demoMessage, *demoMessage](ctrl, r.ServiceID, 1, newZeroDemoMessage, newZeroDemoMessage)
	if err != nil {
		return fmt.Errorf("make client: %w", err)
	}
	defer cl.Close()

	resp, err := cl.Call(context.Background(), &demoMessage{Value: r.Request})
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("call timed out with no response")
	}
	fmt.Printf("client received response value=%d\n", resp.Value)
	return nil
}
