package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
)

// Operation type discriminators used in JSON.
const (
	TypeFloydSteinberg = "FloydSteinberg"
	TypeResize         = "Resize"
	TypeThreshold      = "Threshold"
	TypeInvert         = "Invert"
	TypeGrayscale      = "Grayscale"
)

// ErrInvalidOperation is returned for unknown or malformed pipeline steps.
var ErrInvalidOperation = errors.New("invalid operation")

// Operation is a single image transform step.
type Operation interface {
	Type() string
	Apply(img image.Image) (*image.Gray, error)
}

// FloydSteinbergOp dithers the image to Width x Height.
type FloydSteinbergOp struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (FloydSteinbergOp) Type() string { return TypeFloydSteinberg }

func (o FloydSteinbergOp) Apply(img image.Image) (*image.Gray, error) {
	return DitherFloydSteinberg(img, o.Width, o.Height)
}

// ResizeOp scales the image to Width x Height.
type ResizeOp struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (ResizeOp) Type() string { return TypeResize }

func (o ResizeOp) Apply(img image.Image) (*image.Gray, error) {
	return Resize(img, o.Width, o.Height)
}

// ThresholdOp binarizes the image at Level.
type ThresholdOp struct {
	Level int `json:"level"`
}

func (ThresholdOp) Type() string { return TypeThreshold }

func (o ThresholdOp) Apply(img image.Image) (*image.Gray, error) {
	if o.Level < 0 || o.Level > 255 {
		return nil, fmt.Errorf("%w: threshold level %d out of range 0-255", ErrInvalidOperation, o.Level)
	}
	return Threshold(img, uint8(o.Level)), nil
}

// InvertOp negates the image.
type InvertOp struct{}

func (InvertOp) Type() string { return TypeInvert }

func (InvertOp) Apply(img image.Image) (*image.Gray, error) { return Invert(img), nil }

// GrayscaleOp converts the image to luminance.
type GrayscaleOp struct{}

func (GrayscaleOp) Type() string { return TypeGrayscale }

func (GrayscaleOp) Apply(img image.Image) (*image.Gray, error) { return Grayscale(img), nil }

// Pipeline is an ordered list of operations applied left to right.
type Pipeline []Operation

// Apply runs every operation in order. An empty pipeline only converts img
// to grayscale.
func (p Pipeline) Apply(img image.Image) (*image.Gray, error) {
	out := toGray(img)
	for i, op := range p {
		next, err := op.Apply(out)
		if err != nil {
			return nil, fmt.Errorf("operation %d (%s): %w", i, op.Type(), err)
		}
		out = next
	}
	return out, nil
}

// UnmarshalJSON decodes an array of objects tagged by a "type" field.
func (p *Pipeline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}

	ops := make(Pipeline, 0, len(raw))
	for i, r := range raw {
		op, err := decodeOperation(r)
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	*p = ops
	return nil
}

// MarshalJSON encodes the pipeline with a "type" field on every step.
func (p Pipeline) MarshalJSON() ([]byte, error) {
	out := make([]map[string]any, 0, len(p))
	for _, op := range p {
		m := map[string]any{"type": op.Type()}
		switch o := op.(type) {
		case FloydSteinbergOp:
			m["width"], m["height"] = o.Width, o.Height
		case ResizeOp:
			m["width"], m["height"] = o.Width, o.Height
		case ThresholdOp:
			m["level"] = o.Level
		}
		out = append(out, m)
	}
	return json.Marshal(out)
}

func decodeOperation(data []byte) (Operation, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}

	var (
		op  Operation
		err error
	)
	switch probe.Type {
	case TypeFloydSteinberg:
		var o FloydSteinbergOp
		err = json.Unmarshal(data, &o)
		op = o
	case TypeResize:
		var o ResizeOp
		err = json.Unmarshal(data, &o)
		op = o
	case TypeThreshold:
		o := ThresholdOp{Level: int(DefaultThreshold)}
		err = json.Unmarshal(data, &o)
		op = o
	case TypeInvert:
		op = InvertOp{}
	case TypeGrayscale:
		op = GrayscaleOp{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidOperation)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, probe.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidOperation, probe.Type, err)
	}
	return op, nil
}
