// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package presentation

import (
	"errors"
	"fmt"

	"github.com/opencyphal-go/libcyphal/transport"
)

var (
	// ErrPortClosed is returned by any operation on a port whose last
	// proxy has already been released, or whose underlying transport
	// session has failed. It wraps transport.ErrResourceClosed so that
	// errors.Is(err, transport.ErrResourceClosed) holds for both.
	ErrPortClosed = fmt.Errorf("presentation: port closed: %w", transport.ErrResourceClosed)

	// ErrRequestTransferIDVariabilityExhausted is returned by Client.Call
	// when every transfer-ID in the transport's modulus already has a
	// pending request outstanding.
	ErrRequestTransferIDVariabilityExhausted = errors.New("presentation: request transfer-ID variability exhausted")

	// ErrNoFixedPortID is returned by the *WithFixedSubjectID/ServiceID
	// factories when the requested type has no fixed port-ID in its model.
	ErrNoFixedPortID = errors.New("presentation: type has no fixed port-ID")
)
