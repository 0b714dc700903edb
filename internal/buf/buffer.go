// Package buf implements the fixed-capacity byte window shared by every
// layer of a Chain. A Buffer never owns its backing storage: it is a view
// with two cursors, begin and end, into a slice supplied by the caller.
package buf

import "fmt"

// Buffer is a byte-range view over caller-owned storage.
//
// Invariant: 0 <= begin <= end <= cap(data). [begin:end] is the readable
// region; [end:cap(data)] is the writable region. begin only advances via
// Consume; end only advances via Obtain or Append.
type Buffer struct {
	data  []byte
	begin int
	end   int
}

// New wraps p as an empty Buffer with capacity cap(p).
func New(p []byte) *Buffer {
	return &Buffer{data: p}
}

// SetData replaces the backing storage and cursors in one step, mirroring
// the original's set_data(p, size, begin, end).
func (b *Buffer) SetData(p []byte, begin, end int) {
	b.data = p
	b.begin = begin
	b.end = end
}

// Obtain advances end by n, claiming n freshly written bytes as readable.
// Panics if that would exceed capacity; callers must check RemainSpace
// first, exactly as the original's obtain() assumes the caller already
// bounded the write.
func (b *Buffer) Obtain(n int) {
	if b.end+n > cap(b.data) {
		panic(fmt.Sprintf("buf: obtain(%d) exceeds capacity (end=%d cap=%d)", n, b.end, cap(b.data)))
	}
	b.end += n
}

// Consume advances begin by n, discarding n bytes from the front of the
// readable region. n is clamped to the readable size. When begin catches
// up to end, both cursors reset to 0 so a drained Buffer is always ready
// to Append from offset 0 without a Shift.
func (b *Buffer) Consume(n int) {
	b.begin += n
	if b.begin > b.end {
		b.begin = b.end
	}
	if b.begin == b.end {
		b.begin = 0
		b.end = 0
	}
}

// Shift relocates the readable region to offset 0, preserving byte order,
// so RemainSpace reflects the full backing capacity again.
func (b *Buffer) Shift() {
	if b.begin == 0 {
		return
	}
	n := copy(b.data[:cap(b.data)], b.data[b.begin:b.end])
	b.begin = 0
	b.end = n
}

// Clear resets both cursors to 0 without touching the backing storage.
func (b *Buffer) Clear() {
	b.begin = 0
	b.end = 0
}

// Move transfers src's view to b; src becomes empty. The backing storage
// is not copied, only the view.
func (b *Buffer) Move(src *Buffer) {
	b.data = src.data
	b.begin = src.begin
	b.end = src.end
	src.data = nil
	src.begin = 0
	src.end = 0
}

// Assign aliases src's view without clearing src, so both Buffers
// temporarily observe the same storage.
func (b *Buffer) Assign(src *Buffer) {
	b.data = src.data
	b.begin = src.begin
	b.end = src.end
}

// Append copies data into the writable region and advances end. It
// reports whether there was enough room.
func (b *Buffer) Append(p []byte) bool {
	if b.end+len(p) > cap(b.data) {
		return false
	}
	n := copy(b.data[b.end:cap(b.data)], p)
	b.end += n
	return true
}

// Empty reports whether the readable region is zero length.
func (b *Buffer) Empty() bool {
	return b.end == b.begin
}

// Size returns the length of the readable region.
func (b *Buffer) Size() int {
	return b.end - b.begin
}

// Readable returns the live bytes, data[begin:end]. The slice aliases the
// backing storage; it is invalidated by the next mutating call.
func (b *Buffer) Readable() []byte {
	return b.data[b.begin:b.end]
}

// Writable returns the free tail of the backing storage, data[end:cap].
// Writing into it and then calling Obtain is the only sanctioned way to
// grow the readable region in place.
func (b *Buffer) Writable() []byte {
	return b.data[b.end:cap(b.data)]
}

// RemainSpace returns how many bytes can still be Appended/Obtained
// before Shift or Clear is needed.
func (b *Buffer) RemainSpace() int {
	return cap(b.data) - b.end
}

// TotalSpace returns the full backing capacity.
func (b *Buffer) TotalSpace() int {
	return cap(b.data)
}
