// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sync/atomic"
)

// RefCountedBuffer is a reference-counted payload buffer. A publish that
// fans out to many subscribers shares one underlying byte slice: each
// recipient (a live delivery or a queued copy) holds its own reference
// and releases it independently. The buffer starts with a count of 1 and
// returns to its pool when the count reaches 0.
type RefCountedBuffer struct {
	data     []byte
	refCount atomic.Int32
	pool     *BufferPool
}

// NewRefCountedBuffer wraps data in a buffer with a reference count of 1.
func NewRefCountedBuffer(data []byte, pool *BufferPool) *RefCountedBuffer {
	b := &RefCountedBuffer{data: data, pool: pool}
	b.refCount.Store(1)
	return b
}

// Bytes returns the underlying slice. It must not be modified once the
// buffer has been shared.
func (b *RefCountedBuffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the payload length.
func (b *RefCountedBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Retain increments the reference count. Call it before handing the
// buffer to another holder.
func (b *RefCountedBuffer) Retain() {
	if b == nil {
		return
	}
	b.refCount.Add(1)
}

// Release decrements the reference count and recycles the buffer when it
// reaches 0. Every holder must call Release exactly once.
func (b *RefCountedBuffer) Release() {
	if b == nil {
		return
	}

	n := b.refCount.Add(-1)
	switch {
	case n == 0:
		if b.pool != nil {
			b.pool.put(b)
		}
	case n < 0:
		panic("core: negative buffer reference count")
	}
}

// RefCount reports the current count. Intended for tests.
func (b *RefCountedBuffer) RefCount() int32 {
	if b == nil {
		return 0
	}
	return b.refCount.Load()
}

// Buffer size classes.
const (
	smallBuffer  = 1 << 10 // 1KB
	mediumBuffer = 1 << 16 // 64KB
	largeBuffer  = 1 << 20 // 1MB
)

// BufferPool recycles RefCountedBuffers in three size classes. Buffers
// larger than the largest class are handed straight to the GC.
type BufferPool struct {
	small  chan *RefCountedBuffer
	medium chan *RefCountedBuffer
	large  chan *RefCountedBuffer
}

// NewBufferPool creates a pool with default per-class capacities.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small:  make(chan *RefCountedBuffer, 1024),
		medium: make(chan *RefCountedBuffer, 256),
		large:  make(chan *RefCountedBuffer, 32),
	}
}

// Get returns a buffer of the requested length with a reference count
// of 1, reusing a pooled buffer when one is available.
func (p *BufferPool) Get(size int) *RefCountedBuffer {
	var class chan *RefCountedBuffer
	var capacity int

	switch {
	case size <= smallBuffer:
		class, capacity = p.small, smallBuffer
	case size <= mediumBuffer:
		class, capacity = p.medium, mediumBuffer
	case size <= largeBuffer:
		class, capacity = p.large, largeBuffer
	default:
		return NewRefCountedBuffer(make([]byte, size), p)
	}

	select {
	case b := <-class:
		b.data = b.data[:size]
		b.refCount.Store(1)
		return b
	default:
		return NewRefCountedBuffer(make([]byte, size, capacity), p)
	}
}

// GetWithData returns a pooled buffer containing a copy of data.
func (p *BufferPool) GetWithData(data []byte) *RefCountedBuffer {
	b := p.Get(len(data))
	copy(b.data, data)
	return b
}

func (p *BufferPool) put(b *RefCountedBuffer) {
	var class chan *RefCountedBuffer

	switch c := cap(b.data); {
	case c <= smallBuffer:
		class = p.small
	case c <= mediumBuffer:
		class = p.medium
	case c <= largeBuffer:
		class = p.large
	default:
		return
	}

	select {
	case class <- b:
	default:
		// Pool full, let the GC take it.
	}
}

// DefaultBufferPool serves callers that don't manage their own pool.
var DefaultBufferPool = NewBufferPool()

// GetBuffer allocates from the default pool.
func GetBuffer(size int) *RefCountedBuffer {
	return DefaultBufferPool.Get(size)
}

// GetBufferWithData copies data into a buffer from the default pool.
func GetBufferWithData(data []byte) *RefCountedBuffer {
	return DefaultBufferPool.GetWithData(data)
}
