// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the transport abstraction contract every concrete
// transport (loopback, redundant, or a physical medium not provided by
// this module) must satisfy.

package transport

import (
	"context"
	"time"
)

// InputSession is a receive-only handle bound to one session specifier.
// Receive is cooperative: it suspends until a transfer arrives or the
// deadline expires, returning (nil, nil) on timeout. A closed session
// fails every call with ErrResourceClosed.
type InputSession interface {
	Specifier() SessionSpecifier
	PayloadMetadata() PayloadMetadata
	Receive(ctx context.Context, deadline time.Time) (*TransferFrom, error)
	Close() error
}

// OutputSession is a send-only handle bound to one session specifier.
// Send is cooperative: it suspends until the transfer is accepted or
// the deadline expires, returning (false, nil) on timeout. A closed
// session fails every call with ErrResourceClosed.
type OutputSession interface {
	Specifier() SessionSpecifier
	PayloadMetadata() PayloadMetadata
	Send(ctx context.Context, tr Transfer, deadline time.Time) (bool, error)
	Close() error
}

// AlienTransfer is the capture-level representation of a transfer
// observed on the wire: everything an external observer can see,
// independent of whether the local node is a party to the exchange.
type AlienTransfer struct {
	Priority          Priority
	TransferID        uint64
	SourceNodeID      *uint16
	DestinationNodeID *uint16
	DataSpecifier     DataSpecifier
	FragmentedPayload [][]byte
}

// CaptureCallback observes every transfer a transport sends or
// receives, regardless of whether any local session is interested in
// it. Used for diagnostics and the TraceRecorder sink.
type CaptureCallback func(timestamp time.Time, alien AlienTransfer)

// Transport is the contract a presentation controller programs
// against. LocalNodeID returns nil for an anonymous node.
type Transport interface {
	LocalNodeID() *uint16
	ProtocolParameters() ProtocolParameters
	GetInputSession(spec SessionSpecifier, meta PayloadMetadata) (InputSession, error)
	GetOutputSession(spec SessionSpecifier, meta PayloadMetadata) (OutputSession, error)
	Close() error
	BeginCapture(cb CaptureCallback) error
	Spoof(ctx context.Context, alien AlienTransfer, deadline time.Time) (bool, error)
}
