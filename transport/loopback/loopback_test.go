// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opencyphal-go/libcyphal/transport"
)

func u16(v uint16) *uint16 { return &v }

func TestDuplicateDeliveryToSelectiveAndPromiscuous(t *testing.T) {
	tr := New(WithLocalNodeID(10), WithAllowAnonymousTransfers())
	defer tr.Close()

	meta := transport.PayloadMetadata{ExtentBytes: 16}
	spec := transport.SessionSpecifier{DataSpecifier: transport.MessageDataSpecifier(42)}

	promiscuous, err := tr.GetInputSession(spec, meta)
	if err != nil {
		t.Fatal(err)
	}
	selectiveSpec := transport.SessionSpecifier{DataSpecifier: transport.MessageDataSpecifier(42), RemoteNodeID: u16(10)}
	selective, err := tr.GetInputSession(selectiveSpec, meta)
	if err != nil {
		t.Fatal(err)
	}

	out, err := tr.GetOutputSession(spec, meta)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	deadline := time.Now().Add(time.Second)
	ok, err := out.Send(ctx, transport.Transfer{TransferID: 1, FragmentedPayload: [][]byte{{1, 2, 3}}}, deadline)
	if err != nil || !ok {
		t.Fatalf("send failed: ok=%v err=%v", ok, err)
	}

	for _, in := range []transport.InputSession{promiscuous, selective} {
		got, err := in.Receive(ctx, deadline)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatal("expected a transfer, got none")
		}
		if got.TransferID != 1 {
			t.Errorf("transfer id = %d, want 1", got.TransferID)
		}
	}
}

func TestTransferIDReducedModuloModulus(t *testing.T) {
	tr := New(WithProtocolParameters(transport.ProtocolParameters{TransferIDModulo: 32, MaxNodes: 128, MTU: 64}),
		WithLocalNodeID(1), WithAllowAnonymousTransfers())
	defer tr.Close()

	meta := transport.PayloadMetadata{ExtentBytes: 8}
	spec := transport.SessionSpecifier{DataSpecifier: transport.MessageDataSpecifier(7)}
	in, err := tr.GetInputSession(spec, meta)
	if err != nil {
		t.Fatal(err)
	}
	out, err := tr.GetOutputSession(spec, meta)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	deadline := time.Now().Add(time.Second)
	if _, err := out.Send(ctx, transport.Transfer{TransferID: 37}, deadline); err != nil {
		t.Fatal(err)
	}
	got, err := in.Receive(ctx, deadline)
	if err != nil {
		t.Fatal(err)
	}
	if got.TransferID != 5 {
		t.Errorf("transfer id = %d, want 37 mod 32 = 5", got.TransferID)
	}
}

func TestAnonymousNodeOutputSessionRejected(t *testing.T) {
	tr := New()
	defer tr.Close()
	spec := transport.SessionSpecifier{DataSpecifier: transport.MessageDataSpecifier(1)}
	_, err := tr.GetOutputSession(spec, transport.PayloadMetadata{ExtentBytes: 1})
	if !errors.Is(err, transport.ErrOperationNotDefinedForAnonymousNode) {
		t.Fatalf("err = %v, want ErrOperationNotDefinedForAnonymousNode", err)
	}
}

func TestServiceRequiresLocalNodeID(t *testing.T) {
	tr := New(WithAllowAnonymousTransfers())
	defer tr.Close()
	spec := transport.SessionSpecifier{
		DataSpecifier: transport.ServiceDataSpecifier(3, transport.ServiceRequest),
		RemoteNodeID:  u16(9),
	}
	_, err := tr.GetOutputSession(spec, transport.PayloadMetadata{ExtentBytes: 1})
	if !errors.Is(err, transport.ErrOperationNotDefinedForAnonymousNode) {
		t.Fatalf("err = %v, want ErrOperationNotDefinedForAnonymousNode", err)
	}
}

func TestForcedSendTimeout(t *testing.T) {
	tr := New(WithLocalNodeID(1), WithAllowAnonymousTransfers(), WithForcedSendTimeout())
	defer tr.Close()
	spec := transport.SessionSpecifier{DataSpecifier: transport.MessageDataSpecifier(1)}
	out, err := tr.GetOutputSession(spec, transport.PayloadMetadata{ExtentBytes: 1})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := out.Send(context.Background(), transport.Transfer{TransferID: 1}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected timeout (false), got success")
	}
}

func TestForcedSendFailurePropagates(t *testing.T) {
	wantErr := errors.New("injected")
	tr := New(WithLocalNodeID(1), WithAllowAnonymousTransfers(), WithForcedSendFailure(wantErr))
	defer tr.Close()
	spec := transport.SessionSpecifier{DataSpecifier: transport.MessageDataSpecifier(1)}
	out, err := tr.GetOutputSession(spec, transport.PayloadMetadata{ExtentBytes: 1})
	if err != nil {
		t.Fatal(err)
	}
	_, err = out.Send(context.Background(), transport.Transfer{TransferID: 1}, time.Now().Add(time.Second))
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestReceiveTimesOutWhenNoMessageArrives(t *testing.T) {
	tr := New(WithLocalNodeID(1), WithAllowAnonymousTransfers())
	defer tr.Close()
	spec := transport.SessionSpecifier{DataSpecifier: transport.MessageDataSpecifier(1)}
	in, err := tr.GetInputSession(spec, transport.PayloadMetadata{ExtentBytes: 1})
	if err != nil {
		t.Fatal(err)
	}
	got, err := in.Receive(context.Background(), time.Now().Add(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil on timeout, got %+v", got)
	}
}

func TestClosedSessionReportsResourceClosed(t *testing.T) {
	tr := New(WithLocalNodeID(1), WithAllowAnonymousTransfers())
	spec := transport.SessionSpecifier{DataSpecifier: transport.MessageDataSpecifier(1)}
	out, err := tr.GetOutputSession(spec, transport.PayloadMetadata{ExtentBytes: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	_, err = out.Send(context.Background(), transport.Transfer{}, time.Now().Add(time.Second))
	if !errors.Is(err, transport.ErrResourceClosed) {
		t.Fatalf("err = %v, want ErrResourceClosed", err)
	}
}

func TestCaptureCallbackObservesSentTransfers(t *testing.T) {
	tr := New(WithLocalNodeID(1), WithAllowAnonymousTransfers())
	defer tr.Close()

	var captured []transport.AlienTransfer
	if err := tr.BeginCapture(func(_ time.Time, alien transport.AlienTransfer) {
		captured = append(captured, alien)
	}); err != nil {
		t.Fatal(err)
	}

	spec := transport.SessionSpecifier{DataSpecifier: transport.MessageDataSpecifier(9)}
	out, err := tr.GetOutputSession(spec, transport.PayloadMetadata{ExtentBytes: 4})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := out.Send(context.Background(), transport.Transfer{TransferID: 4}, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if len(captured) != 1 {
		t.Fatalf("captured %d transfers, want 1", len(captured))
	}
	if captured[0].TransferID != 4 {
		t.Errorf("captured transfer id = %d, want 4", captured[0].TransferID)
	}
}
