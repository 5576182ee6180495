// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import "errors"

var (
	// ErrResourceClosed is returned by any operation attempted on a
	// transport or session that has already been closed.
	ErrResourceClosed = errors.New("transport: resource closed")

	// ErrOperationNotDefinedForAnonymousNode is returned when an output
	// session is requested on a transport with no local node-ID and
	// anonymous transfers are disabled for the requested data specifier,
	// or when a service session is requested on an anonymous node.
	ErrOperationNotDefinedForAnonymousNode = errors.New("transport: operation not defined for an anonymous node")

	// ErrInvalidMediaConfiguration signals that the underlying medium
	// cannot satisfy the requested session configuration.
	ErrInvalidMediaConfiguration = errors.New("transport: invalid media configuration")
)
