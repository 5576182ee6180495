// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements a capture-callback sink that writes lz4-compressed
// capture frames, for recording wire-level traces of a running
// transport to disk.

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
)

// TraceRecorder is a CaptureCallback sink: bind its Record method to
// Transport.BeginCapture to persist every observed transfer. Each
// frame is a small binary header (timestamp, priority, transfer-ID,
// source/destination node-ID, data specifier) followed by the
// concatenated payload, lz4-compressed as it is written.
type TraceRecorder struct {
	mu sync.Mutex
	w  *lz4.Writer
}

// NewTraceRecorder wraps dst with an lz4 writer. Callers must call
// Close when done recording to flush the compressor.
func NewTraceRecorder(dst io.Writer) *TraceRecorder {
	return &TraceRecorder{w: lz4.NewWriter(dst)}
}

// Record is a CaptureCallback suitable for Transport.BeginCapture.
func (r *TraceRecorder) Record(timestamp time.Time, alien AlienTransfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeFrame(timestamp, alien); err != nil {
		// A trace recorder must never panic the caller's send/receive
		// path over a disk/compression error; drop the frame. Gaps in
		// a capture file are acceptable, a crashed node is not.
		_ = err
	}
}

func (r *TraceRecorder) writeFrame(timestamp time.Time, alien AlienTransfer) error {
	var header [32]byte
	off := 0
	if alien.DataSpecifier.IsMessage() {
		header[off] = 0
	} else if alien.DataSpecifier.Role() == ServiceRequest {
		header[off] = 1
	} else {
		header[off] = 2
	}
	off++
	binary.LittleEndian.PutUint64(header[off:], uint64(timestamp.UnixNano()))
	off += 8
	binary.LittleEndian.PutUint64(header[off:], alien.TransferID)
	off += 8
	header[off] = byte(alien.Priority)
	off++
	off += putOptionalNodeID(header[off:], alien.SourceNodeID)
	off += putOptionalNodeID(header[off:], alien.DestinationNodeID)
	dsID := uint16(0)
	if alien.DataSpecifier.IsMessage() {
		dsID = alien.DataSpecifier.SubjectID()
	} else {
		dsID = alien.DataSpecifier.ServiceID()
	}
	binary.LittleEndian.PutUint16(header[off:], dsID)
	off += 2

	total := 0
	for _, f := range alien.FragmentedPayload {
		total += len(f)
	}
	binary.LittleEndian.PutUint32(header[off:], uint32(total))
	off += 4

	if _, err := r.w.Write(header[:off]); err != nil {
		return fmt.Errorf("transport: write trace header: %w", err)
	}
	for _, f := range alien.FragmentedPayload {
		if _, err := r.w.Write(f); err != nil {
			return fmt.Errorf("transport: write trace payload: %w", err)
		}
	}
	return nil
}

func putOptionalNodeID(b []byte, id *uint16) int {
	if id == nil {
		b[0] = 0
		binary.LittleEndian.PutUint16(b[1:], 0)
		return 3
	}
	b[0] = 1
	binary.LittleEndian.PutUint16(b[1:], *id)
	return 3
}

// Close flushes and closes the underlying lz4 writer.
func (r *TraceRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Close()
}
