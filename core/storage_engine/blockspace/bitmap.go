package blockspace

import "math/bits"

// bitmap is a growable bit set over block numbers, LSB first within a byte.
type bitmap struct {
	words []byte
	size  int64 // number of addressable bits
}

func newBitmap(size int64) *bitmap {
	return &bitmap{words: make([]byte, (size+7)/8), size: size}
}

func bitmapFromBytes(raw []byte, size int64) *bitmap {
	b := newBitmap(size)
	copy(b.words, raw)
	// drop bits beyond size that a longer persisted bitmap may carry
	for i := size; i < int64(len(b.words))*8; i++ {
		b.words[i/8] &^= 1 << uint(i%8)
	}
	return b
}

func (b *bitmap) test(i int64) bool {
	if i < 0 || i >= b.size {
		return false
	}
	return b.words[i/8]&(1<<uint(i%8)) != 0
}

func (b *bitmap) set(i int64)   { b.words[i/8] |= 1 << uint(i%8) }
func (b *bitmap) clear(i int64) { b.words[i/8] &^= 1 << uint(i%8) }

func (b *bitmap) grow(size int64) {
	if size <= b.size {
		return
	}
	need := (size + 7) / 8
	if need > int64(len(b.words)) {
		words := make([]byte, need)
		copy(words, b.words)
		b.words = words
	}
	b.size = size
}

// nextClear returns the first clear bit in [from, to) or -1.
func (b *bitmap) nextClear(from, to int64) int64 {
	if to > b.size {
		to = b.size
	}
	for i := from; i < to; {
		if i%8 == 0 && b.words[i/8] == 0xFF && i+8 <= to {
			i += 8
			continue
		}
		if !b.test(i) {
			return i
		}
		i++
	}
	return -1
}

// setBits calls fn for every set bit in ascending order.
func (b *bitmap) setBits(fn func(i int64)) {
	for w, v := range b.words {
		for v != 0 {
			t := bits.TrailingZeros8(v)
			i := int64(w)*8 + int64(t)
			if i >= b.size {
				return
			}
			fn(i)
			v &^= 1 << uint(t)
		}
	}
}

func (b *bitmap) count() int64 {
	var n int
	for _, v := range b.words {
		n += bits.OnesCount8(v)
	}
	return int64(n)
}

func (b *bitmap) bytes() []byte { return b.words }

func (b *bitmap) equal(o *bitmap) bool {
	if b.size != o.size {
		return false
	}
	for i := range b.words {
		if b.words[i] != o.words[i] {
			return false
		}
	}
	return true
}
