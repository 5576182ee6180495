// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// cyphal-metrics runs a short in-memory publish/subscribe session over
// the loopback transport, deliberately starving one subscriber's queue
// to produce a non-zero overrun counter, then prints the resulting
// presentation.Metrics in the Prometheus text exposition format.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/opencyphal-go/libcyphal/dsdl"
	"github.com/opencyphal-go/libcyphal/presentation"
	"github.com/opencyphal-go/libcyphal/transport/loopback"
)

type sampleMessage struct {
	Value uint32
}

var sampleMessageModel = &dsdl.Model{FullName: "metrics_demo.Sample", ExtentBytes: 4, IsMessage: true}

func (m sampleMessage) DSDLModel() *dsdl.Model { return sampleMessageModel }
func (m sampleMessage) DSDLSerialize(s *dsdl.Serializer) error {
	return s.AddAlignedU32(m.Value)
}
func (m *sampleMessage) DSDLDeserialize(d *dsdl.Deserializer) error {
	v, err := d.FetchAlignedU32()
	if err != nil {
		return err
	}
	m.Value = v
	return nil
}

func newZeroSampleMessage() *sampleMessage { return &sampleMessage{} }

func main() {
	ctrl := presentation.NewController(loopback.New(loopback.WithLocalNodeID(1)))
	defer ctrl.Close()

	pub, err := presentation.MakePublisher[*sampleMessage](ctrl, 9000, newZeroSampleMessage)
	if err != nil {
		log.Fatalf("make publisher: %v", err)
	}
	defer pub.Close()

	// A queue of depth 1 that nobody drains will overrun once more than
	// one message is in flight, giving the exported metrics something
	// to report.
	sub, err := presentation.MakeSubscriber[*sampleMessage](ctrl, 9000, newZeroSampleMessage, 1)
	if err != nil {
		log.Fatalf("make subscriber: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := pub.Publish(ctx, &sampleMessage{Value: uint32(i)}); err != nil {
			log.Fatalf("publish: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(ctrl.Metrics()); err != nil {
		log.Fatalf("register metrics: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		log.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			log.Fatalf("write metrics: %v", err)
		}
	}
}
