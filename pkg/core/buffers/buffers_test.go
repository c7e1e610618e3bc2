package buffers

import (
	"errors"
	"testing"
	"time"

	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestNew(t *testing.T) {
	b := New(dtypes.Float16, 5)
	assert.Equal(t, dtypes.Float16, b.DType())
	assert.Equal(t, 5, b.Size())
	assert.Equal(t, 10, b.NumBytes())
	assert.Len(t, b.Bytes(), 10)
	flat := Flat[float16.Float16](b)
	require.Len(t, flat, 5)
	flat[2] = float16.Fromfloat32(1.5)
	assert.Equal(t, float32(1.5), Flat[float16.Float16](b)[2].Float32())
	assert.Equal(t, "Buffer(Float16[5])", b.String())

	empty := New(dtypes.Int32, 0)
	assert.Nil(t, empty.Data())
	assert.Nil(t, empty.Bytes())

	assert.Panics(t, func() { New(dtypes.InvalidDType, 1) })
	assert.Panics(t, func() { New(dtypes.Int32, -1) })
	assert.Panics(t, func() { Flat[float32](b) })
}

func TestFromFlat(t *testing.T) {
	values := []int32{1, 2, 3}
	b := FromFlat(values)
	assert.Equal(t, dtypes.Int32, b.DType())
	Flat[int32](b)[0] = 7
	assert.Equal(t, int32(7), values[0], "FromFlat must share storage")

	same := FromFlat(values)
	assert.Equal(t, b.Data(), same.Data())
	other := Like(b)
	assert.NotEqual(t, b.Data(), other.Data())
	other.CopyFrom(b)
	assert.Equal(t, []int32{7, 2, 3}, Flat[int32](other))
	assert.Panics(t, func() { other.CopyFrom(New(dtypes.Int32, 2)) })
}

func TestEvent(t *testing.T) {
	b := New(dtypes.Uint8, 1)
	require.NoError(t, b.Wait(), "no writer, no wait")

	e := NewEvent()
	b.SetEvent(e)
	assert.False(t, e.IsDone())
	wantErr := errors.New("transport failed")
	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Signal(wantErr)
	}()
	assert.ErrorIs(t, b.Wait(), wantErr)
	assert.True(t, e.IsDone())
	e.Signal(nil) // Ignored, already signaled.
	assert.ErrorIs(t, e.Wait(), wantErr)
}
