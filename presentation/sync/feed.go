// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sync composes several presentation.Subscriber proxies,
// possibly of different message types, into one synchronized N-subject
// stream.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/opencyphal-go/libcyphal/dsdl"
	"github.com/opencyphal-go/libcyphal/presentation"
	"github.com/opencyphal-go/libcyphal/transport"
)

// Feed is a type-erased source of messages a synchronizer can read
// from. presentation.Subscriber[T] is generic per message type, so it
// cannot satisfy this interface directly; use Wrap to adapt one.
type Feed interface {
	Receive(ctx context.Context, deadline time.Time) (dsdl.Serializable, *transport.TransferFrom, error)
}

type subscriberFeed[T dsdl.Serializable] struct {
	s *presentation.Subscriber[T]
}

func (f subscriberFeed[T]) Receive(ctx context.Context, deadline time.Time) (dsdl.Serializable, *transport.TransferFrom, error) {
	msg, from, err := f.s.Receive(ctx, deadline)
	if err != nil || from == nil {
		return nil, from, err
	}
	return msg, from, nil
}

// Wrap adapts a typed Subscriber into the type-erased Feed a
// synchronizer composes.
func Wrap[T dsdl.Serializable](s *presentation.Subscriber[T]) Feed {
	return subscriberFeed[T]{s: s}
}

// Item is one slot of a synchronized group: the message received on a
// feed together with the transfer it arrived on.
type Item struct {
	Msg  dsdl.Serializable
	From transport.TransferFrom
}

func farFuture() time.Time { return time.Now().Add(24 * 365 * time.Hour) }

// runFeeds starts one reader goroutine per feed, invoking insert(index,
// msg, from) for every message received, until ctx is cancelled or the
// feed's underlying session errors out. The returned WaitGroup is done
// once every reader goroutine has exited, so a synchronizer's Close can
// safely close its output channel only after no goroutine can still
// send to it.
func runFeeds(ctx context.Context, feeds []Feed, insert func(int, dsdl.Serializable, transport.TransferFrom)) *stdsync.WaitGroup {
	var wg stdsync.WaitGroup
	wg.Add(len(feeds))
	for i, f := range feeds {
		i, f := i, f
		go func() {
			defer wg.Done()
			for {
				msg, from, err := f.Receive(ctx, farFuture())
				if err != nil {
					return
				}
				if from == nil {
					continue
				}
				insert(i, msg, *from)
			}
		}()
	}
	return &wg
}
