package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingFIFO(t *testing.T) {
	r := newRing[int](3, nil)
	r.Push(1)
	r.Push(2)

	v, ok := r.Pop()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, r.Len())
}

func TestRingDropOldest(t *testing.T) {
	var dropped []int
	r := newRing(2, func(v int) { dropped = append(dropped, v) })

	assert.False(t, r.Push(1))
	assert.False(t, r.Push(2))
	assert.True(t, r.Push(3))
	assert.True(t, r.Push(4))

	assert.Equal(t, []int{1, 2}, dropped)

	var got []int
	for {
		v, ok := r.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4}, got)
}

func TestRingDropCallbackMayReenter(t *testing.T) {
	var r *ring[int]
	lens := []int{}
	r = newRing(1, func(int) { lens = append(lens, r.Len()) })

	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{1}, lens)
}

func TestRingClear(t *testing.T) {
	r := newRing[string](4, nil)
	r.Push("a")
	r.Push("b")

	assert.Equal(t, 2, r.Clear())
	assert.Equal(t, 0, r.Len())
	_, ok := r.Pop()
	assert.False(t, ok)

	r.Push("c")
	v, _ := r.Pop()
	assert.Equal(t, "c", v)
	assert.Equal(t, 4, r.Cap())
}

func TestRingMinimumCapacity(t *testing.T) {
	r := newRing[int](0, nil)
	assert.Equal(t, 1, r.Cap())
}
