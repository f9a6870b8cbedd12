package set

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"
)

type (
	Key interface {
		~int | ~int32 | ~int64
	}

	// Bits is a dense bitset keyed by small non-negative integers.
	// The zero value is an empty set ready to use.
	Bits[K Key] struct {
		b  []uint64
		b0 [2]uint64
	}
)

var zeros = [8]uint64{}

func MakeBits[K Key](sizehint int) Bits[K] {
	s := Bits[K]{}

	s.b = s.b0[:]
	s.grow(sizehint / 64)

	return s
}

func (s Bits[K]) Copy() Bits[K] {
	c := MakeBits[K](0)

	c.grow(len(s.b))
	copy(c.b, s.b)

	return c
}

func (s *Bits[K]) Set(k K) {
	i, j := ij(k)

	s.grow(i)

	s.b[i] |= 1 << j
}

func (s *Bits[K]) SetAll(ks ...K) {
	for _, k := range ks {
		s.Set(k)
	}
}

func (s Bits[K]) IsSet(k K) bool {
	i, j := ij(k)

	if i >= len(s.b) {
		return false
	}

	return s.b[i]&(1<<j) != 0
}

func (s Bits[K]) Clear(k K) {
	i, j := ij(k)

	if i >= len(s.b) {
		return
	}

	s.b[i] &^= 1 << j
}

func (s *Bits[K]) Merge(x Bits[K]) {
	s.grow(len(x.b))

	for i, w := range x.b {
		s.b[i] |= w
	}
}

func (s Bits[K]) Intersect(x Bits[K]) {
	n := len(s.b)
	if m := len(x.b); m < n {
		n = m
	}

	for i := range s.b {
		if i < n {
			s.b[i] &= x.b[i]
		} else {
			s.b[i] = 0
		}
	}
}

func (s Bits[K]) Substract(x Bits[K]) {
	n := len(s.b)
	if m := len(x.b); m < n {
		n = m
	}

	for i, w := range x.b[:n] {
		s.b[i] &^= w
	}
}

func (s Bits[K]) Size() (r int) {
	for _, w := range s.b {
		r += bits.OnesCount64(w)
	}

	return r
}

// First returns the smallest element of the set, or -1 if it is empty.
func (s Bits[K]) First() K {
	for i, w := range s.b {
		if w == 0 {
			continue
		}

		return K(i*64 + bits.TrailingZeros64(w))
	}

	return -1
}

func (s Bits[K]) Range(f func(k K) bool) {
	for i, w := range s.b {
		for w != 0 {
			j := bits.TrailingZeros64(w)
			w &^= 1 << j

			if !f(K(i*64 + j)) {
				return
			}
		}
	}
}

func (s *Bits[K]) Reset() {
	for i := 0; i < len(s.b); {
		i += copy(s.b[i:], zeros[:])
	}
}

func (s Bits[K]) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	if s.b == nil {
		return e.AppendNil(b)
	}

	b = e.AppendTag(b, tlwire.Array, -1)

	s.Range(func(k K) bool {
		b = e.AppendInt(b, int(k))

		return true
	})

	b = e.AppendBreak(b)

	return b
}

func ij[K Key](k K) (i, j int) {
	p := int(k)

	return p / 64, p % 64
}

func (s *Bits[K]) grow(i int) {
	if s.b == nil {
		s.b = s.b0[:]
	}

	for i >= cap(s.b) {
		s.b = append(s.b[:cap(s.b)], 0)
	}

	s.b = s.b[:cap(s.b)]
}
