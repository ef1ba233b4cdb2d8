package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineUnmarshal(t *testing.T) {
	t.Parallel()

	const body = `[
		{"type":"Grayscale"},
		{"type":"Resize","width":296,"height":128},
		{"type":"FloydSteinberg","width":296,"height":128},
		{"type":"Threshold","level":90},
		{"type":"Threshold"},
		{"type":"Invert"}
	]`

	var p Pipeline
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	assert.Equal(t, Pipeline{
		GrayscaleOp{},
		ResizeOp{Width: 296, Height: 128},
		FloydSteinbergOp{Width: 296, Height: 128},
		ThresholdOp{Level: 90},
		ThresholdOp{Level: int(DefaultThreshold)},
		InvertOp{},
	}, p)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	var again Pipeline
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, p, again)
}

func TestPipelineUnmarshalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown type", body: `[{"type":"Sharpen"}]`},
		{name: "missing type", body: `[{"level":3}]`},
		{name: "not an array", body: `{"type":"Invert"}`},
		{name: "bad field type", body: `[{"type":"Resize","width":"wide"}]`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var p Pipeline
			err := json.Unmarshal([]byte(tt.body), &p)
			require.ErrorIs(t, err, ErrInvalidOperation)
		})
	}
}

func TestPipelineApplyOrder(t *testing.T) {
	t.Parallel()

	src := grayFrom(2, 1, 100, 200)

	out, err := Pipeline{ThresholdOp{Level: 150}, InvertOp{}}.Apply(src)
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 0}, out.Pix)

	out, err = Pipeline{InvertOp{}, ThresholdOp{Level: 150}}.Apply(src)
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 0}, out.Pix)

	out, err = Pipeline{InvertOp{}, ThresholdOp{Level: 100}}.Apply(src)
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 0}, out.Pix)

	out, err = Pipeline{}.Apply(src)
	require.NoError(t, err)
	assert.Equal(t, []uint8{100, 200}, out.Pix)
}

func TestPipelineApplyErrors(t *testing.T) {
	t.Parallel()

	src := grayFrom(2, 1, 100, 200)

	_, err := Pipeline{ResizeOp{Width: 0, Height: 10}}.Apply(src)
	require.ErrorIs(t, err, ErrInvalidDimensions)

	_, err = Pipeline{ThresholdOp{Level: 300}}.Apply(src)
	require.ErrorIs(t, err, ErrInvalidOperation)
}
