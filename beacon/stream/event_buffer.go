// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/beacon/beacon/structs"
)

// eventBuffer is a single-writer, multiple-reader in-memory buffer of
// events. It is a linked list where appends happen at the tail and readers
// follow the links at their own pace, blocking on a per-item channel that
// is closed when a successor exists. Old items fall off the head once the
// buffer exceeds its size; a reader holding a dropped item still sees a
// consistent chain because items are immutable once published.
type eventBuffer struct {
	size *int64

	head atomic.Value
	tail atomic.Value

	maxSize int64
}

// newEventBuffer creates an eventBuffer with the given max size.
func newEventBuffer(size int64) *eventBuffer {
	zero := int64(0)
	b := &eventBuffer{
		maxSize: size,
		size:    &zero,
	}

	item := newBufferItem(&structs.Events{})
	b.head.Store(item)
	b.tail.Store(item)

	return b
}

// Append a set of events. Must be called monotonically by a single writer.
func (b *eventBuffer) Append(events *structs.Events) {
	b.appendItem(newBufferItem(events))
}

func (b *eventBuffer) appendItem(item *bufferItem) {
	// Store the next item to the old tail, then swing the tail.
	oldTail := b.Tail()
	oldTail.link.next.Store(item)
	b.tail.Store(item)

	close(oldTail.link.nextCh)

	atomic.AddInt64(b.size, int64(len(item.Events.Events)))
	b.advanceHead()
}

// advanceHead drops the oldest items until the buffer is back under its
// configured size.
func (b *eventBuffer) advanceHead() {
	for atomic.LoadInt64(b.size) > b.maxSize {
		old := b.Head()
		next := old.link.next.Load()
		if next == nil {
			return
		}
		// Force pending Next calls on the dropped item to restart from
		// the new head.
		close(old.link.droppedCh)
		b.head.Store(next.(*bufferItem))
		atomic.AddInt64(b.size, -int64(len(old.Events.Events)))
	}
}

// Head returns the current head item. It never returns nil.
func (b *eventBuffer) Head() *bufferItem {
	return b.head.Load().(*bufferItem)
}

// Tail returns the current tail item, the most recently appended.
func (b *eventBuffer) Tail() *bufferItem {
	return b.tail.Load().(*bufferItem)
}

// Len returns the current number of buffered events.
func (b *eventBuffer) Len() int {
	return int(atomic.LoadInt64(b.size))
}

// bufferItem is one node of the buffer chain. Events and Index are
// immutable after publication.
type bufferItem struct {
	Events *structs.Events

	link *bufferLink

	createdAt time.Time
}

type bufferLink struct {
	// next is set exactly once, before nextCh is closed.
	next atomic.Value

	nextCh chan struct{}

	// droppedCh is closed when the item falls off the head.
	droppedCh chan struct{}
}

func newBufferItem(events *structs.Events) *bufferItem {
	return &bufferItem{
		Events: events,
		link: &bufferLink{
			nextCh:    make(chan struct{}),
			droppedCh: make(chan struct{}),
		},
		createdAt: time.Now(),
	}
}

// Next blocks until the successor item is published, the context is done,
// or forceClose is closed.
func (i *bufferItem) Next(ctx context.Context, forceClose <-chan struct{}) (*bufferItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-forceClose:
		return nil, fmt.Errorf("subscription closed")
	case <-i.link.nextCh:
	}

	select {
	case <-i.link.droppedCh:
		return nil, errors.New("event dropped from buffer")
	default:
	}

	next := i.link.next.Load()
	if next == nil {
		return nil, errors.New("next item was nil")
	}
	return next.(*bufferItem), nil
}

// NextNoBlock returns the successor item or nil when the caller is caught
// up.
func (i *bufferItem) NextNoBlock() *bufferItem {
	next := i.link.next.Load()
	if next == nil {
		return nil
	}
	return next.(*bufferItem)
}
