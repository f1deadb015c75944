// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ring implements a fixed capacity circular byte queue for a single
// producer and a single consumer sharing one execution context.
package ring

// Buffer is a circular byte queue, the explicit count keeps the full and
// empty states distinct.
type Buffer struct {
	data  []byte
	head  int
	tail  int
	count int
}

// New returns a buffer holding up to capacity bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}

	return &Buffer{
		data: make([]byte, capacity),
	}
}

// Write stores c at the tail. When the buffer is already full the oldest
// unread byte is overwritten and overflow is reported.
func (b *Buffer) Write(c byte) (overflow bool) {
	b.data[b.tail] = c
	b.tail = (b.tail + 1) % len(b.data)

	if b.count == len(b.data) {
		b.head = b.tail
		return true
	}

	b.count++

	return
}

// Read removes and returns the byte at the head, ok is false when the buffer
// is empty.
func (b *Buffer) Read() (c byte, ok bool) {
	if b.count == 0 {
		return
	}

	c = b.data[b.head]
	b.head = (b.head + 1) % len(b.data)
	b.count--

	return c, true
}

// Peek returns the byte at the head without removing it.
func (b *Buffer) Peek() (c byte, ok bool) {
	if b.count == 0 {
		return
	}

	return b.data[b.head], true
}

// WriteFrom writes all of p, overflow reports whether any unread byte has
// been overwritten.
func (b *Buffer) WriteFrom(p []byte) (n int, overflow bool) {
	for _, c := range p {
		if b.Write(c) {
			overflow = true
		}
	}

	return len(p), overflow
}

// ReadTo moves up to len(p) bytes into p.
func (b *Buffer) ReadTo(p []byte) (n int) {
	for n < len(p) {
		c, ok := b.Read()

		if !ok {
			break
		}

		p[n] = c
		n++
	}

	return
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return b.count
}

// Free returns the number of bytes which can be written without overflow.
func (b *Buffer) Free() int {
	return len(b.data) - b.count
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Reset discards all unread bytes.
func (b *Buffer) Reset() {
	b.head = 0
	b.tail = 0
	b.count = 0
}
