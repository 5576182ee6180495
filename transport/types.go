// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the transport-layer data model: session and data
// specifiers, transfers, priority levels, and protocol parameters.

package transport

import (
	"fmt"
	"time"
)

// Priority is one of the seven Cyphal transfer priority levels, ordered
// from most to least urgent.
type Priority uint8

const (
	PriorityExceptional Priority = iota
	PriorityImmediate
	PriorityFast
	PriorityHigh
	PriorityNominal
	PriorityLow
	PrioritySlow
)

func (p Priority) String() string {
	switch p {
	case PriorityExceptional:
		return "exceptional"
	case PriorityImmediate:
		return "immediate"
	case PriorityFast:
		return "fast"
	case PriorityHigh:
		return "high"
	case PriorityNominal:
		return "nominal"
	case PriorityLow:
		return "low"
	case PrioritySlow:
		return "slow"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// ServiceRole distinguishes a service session carrying requests from one
// carrying responses.
type ServiceRole uint8

const (
	ServiceRequest ServiceRole = iota
	ServiceResponse
)

// DataSpecifier identifies what a session carries: either a message
// subject or one side of a service's request/response pair. Exactly one
// of IsMessage()/IsService() is true for any value produced by the
// constructors below.
type DataSpecifier struct {
	subjectID *uint16
	serviceID *uint16
	role      ServiceRole
}

// MessageDataSpecifier identifies a subject.
func MessageDataSpecifier(subjectID uint16) DataSpecifier {
	id := subjectID
	return DataSpecifier{subjectID: &id}
}

// ServiceDataSpecifier identifies one side of a service.
func ServiceDataSpecifier(serviceID uint16, role ServiceRole) DataSpecifier {
	id := serviceID
	return DataSpecifier{serviceID: &id, role: role}
}

func (d DataSpecifier) IsMessage() bool { return d.subjectID != nil }
func (d DataSpecifier) IsService() bool { return d.serviceID != nil }

// SubjectID panics if called on a service specifier; callers must
// check IsMessage first.
func (d DataSpecifier) SubjectID() uint16 {
	if d.subjectID == nil {
		panic("transport: SubjectID called on a service data specifier")
	}
	return *d.subjectID
}

func (d DataSpecifier) ServiceID() uint16 {
	if d.serviceID == nil {
		panic("transport: ServiceID called on a message data specifier")
	}
	return *d.serviceID
}

func (d DataSpecifier) Role() ServiceRole { return d.role }

func (d DataSpecifier) String() string {
	switch {
	case d.IsMessage():
		return fmt.Sprintf("subject(%d)", d.SubjectID())
	case d.role == ServiceRequest:
		return fmt.Sprintf("service(%d, request)", d.ServiceID())
	default:
		return fmt.Sprintf("service(%d, response)", d.ServiceID())
	}
}

// Equal reports whether two data specifiers name the same session.
func (d DataSpecifier) Equal(other DataSpecifier) bool {
	if d.IsMessage() != other.IsMessage() {
		return false
	}
	if d.IsMessage() {
		return d.SubjectID() == other.SubjectID()
	}
	return d.ServiceID() == other.ServiceID() && d.role == other.role
}

// SessionSpecifier is the full identity of a transport session: a data
// specifier plus, for a unicast-capable session, the remote node-ID.
// An absent RemoteNodeID means promiscuous on input, or
// broadcast/anonymous on output; outbound service specifiers always
// carry a remote node-ID.
type SessionSpecifier struct {
	DataSpecifier DataSpecifier
	RemoteNodeID  *uint16
}

func (s SessionSpecifier) Equal(other SessionSpecifier) bool {
	if !s.DataSpecifier.Equal(other.DataSpecifier) {
		return false
	}
	switch {
	case s.RemoteNodeID == nil && other.RemoteNodeID == nil:
		return true
	case s.RemoteNodeID == nil || other.RemoteNodeID == nil:
		return false
	default:
		return *s.RemoteNodeID == *other.RemoteNodeID
	}
}

// Key returns a value suitable for use as a map key (or for hashing,
// see presentation.Controller's registry) that is equal for equal
// specifiers.
func (s SessionSpecifier) Key() string {
	remote := "any"
	if s.RemoteNodeID != nil {
		remote = fmt.Sprintf("%d", *s.RemoteNodeID)
	}
	return fmt.Sprintf("%s|%s", s.DataSpecifier.String(), remote)
}

// ProtocolParameters describes the fixed characteristics of a transport
// instance relevant to the presentation layer: the modulus outgoing
// transfer-IDs are reduced by, the maximum number of nodes the medium
// can address, and the maximum transmission unit in bytes.
type ProtocolParameters struct {
	TransferIDModulo uint64
	MaxNodes         uint64
	MTU              int
}

// PayloadMetadata is the per-port descriptor the transport needs to
// size buffers: the upper bound on a value's serialized size.
type PayloadMetadata struct {
	ExtentBytes int
}

// Transfer is an outgoing atomic protocol message, ready to hand to an
// OutputSession.
type Transfer struct {
	Timestamp         time.Time
	Priority          Priority
	TransferID        uint64
	FragmentedPayload [][]byte
}

// TransferFrom is a Transfer as received, additionally carrying the
// sending node-ID (absent for anonymous transfers, which only occur on
// transports that permit them).
type TransferFrom struct {
	Transfer
	SourceNodeID *uint16
}
