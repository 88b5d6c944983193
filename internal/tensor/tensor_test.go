package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = float64(i)
	}
	return t
}

func TestAtIsRowMajor(t *testing.T) {
	x := seq(2, 3, 4)
	assert.Equal(t, 1*12+2*4+3.0, x.At(1, 2, 3))
	x.Set(-1, 0, 1, 0)
	assert.Equal(t, -1.0, x.Data()[4])
}

func TestElementSharesStorage(t *testing.T) {
	x := seq(2, 3, 2, 2)
	e := x.Element(1)
	require.Equal(t, []int{3, 2, 2}, e.Shape())
	assert.Equal(t, 12.0, e.At(0, 0, 0))
	e.Set(-5, 0, 0, 0)
	assert.Equal(t, -5.0, x.At(1, 0, 0, 0))
	assert.Panics(t, func() { x.Element(2) })
}

func TestFromDataRejectsWrongLength(t *testing.T) {
	defer func() {
		r := recover()
		se, ok := r.(*ShapeError)
		require.True(t, ok)
		assert.Contains(t, se.Error(), "shape mismatch")
	}()
	FromData([]float64{1, 2, 3}, 2, 2)
}

func TestCloneAndApplyDoNotAlias(t *testing.T) {
	x := seq(2, 2)
	c := x.Clone()
	doubled := x.Apply(func(v float64) float64 { return 2 * v })
	x.Set(9, 0, 0)
	assert.Equal(t, 0.0, c.At(0, 0))
	assert.Equal(t, []float64{0, 2, 4, 6}, doubled.Values())
}

func TestEqualityHelpers(t *testing.T) {
	a := Full(1, 2, 2)
	b := Full(1, 4)
	assert.False(t, SameShape(a, b))
	assert.False(t, Equal(a, b))
	c := Full(1+1e-10, 2, 2)
	assert.False(t, Equal(a, c))
	assert.True(t, AllClose(a, c, 1e-9))
}

func TestParseDevice(t *testing.T) {
	d, err := ParseDevice(" CPU ")
	require.NoError(t, err)
	assert.Equal(t, CPU(), d)
	assert.Equal(t, "go", d.Backend())

	_, err = ParseDevice("cuda:0")
	require.ErrorIs(t, err, ErrUnsupportedDevice)
}
