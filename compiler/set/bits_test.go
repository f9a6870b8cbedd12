package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBits(t *testing.T) {
	var s Bits[int]

	assert.Equal(t, 0, s.Size())
	assert.False(t, s.IsSet(0))
	assert.Equal(t, -1, s.First())

	s.SetAll(1, 64, 200)

	assert.True(t, s.IsSet(1))
	assert.True(t, s.IsSet(64))
	assert.True(t, s.IsSet(200))
	assert.False(t, s.IsSet(63))
	assert.Equal(t, 3, s.Size())
	assert.Equal(t, 1, s.First())

	s.Clear(64)
	assert.False(t, s.IsSet(64))
	assert.Equal(t, 2, s.Size())

	var got []int
	s.Range(func(k int) bool {
		got = append(got, k)

		return true
	})

	assert.Equal(t, []int{1, 200}, got)
}

func TestBitsOps(t *testing.T) {
	a := MakeBits[int](256)
	a.SetAll(1, 2, 3, 100)

	var b Bits[int]
	b.SetAll(2, 3, 4)

	c := a.Copy()
	c.Merge(b)
	assert.Equal(t, 5, c.Size())
	assert.Equal(t, 4, a.Size(), "copy must not alias the source")

	d := a.Copy()
	d.Substract(b)
	assert.True(t, d.IsSet(1))
	assert.True(t, d.IsSet(100))
	assert.False(t, d.IsSet(2))

	e := a.Copy()
	e.Intersect(b)
	assert.Equal(t, 2, e.Size())

	e.Reset()
	assert.Equal(t, 0, e.Size())
}
