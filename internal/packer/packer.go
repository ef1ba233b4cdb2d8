// Package packer serializes bitmaps into the badge's wire representation:
// packed bits, zlib-compressed, base64-encoded.
package packer

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aleksclark/badgerlink/internal/codec"
)

var (
	// ErrSize is returned when packed data does not match the declared size.
	ErrSize = errors.New("packed data size mismatch")
	// ErrCorrupt is returned when compressed or encoded data cannot be read.
	ErrCorrupt = errors.New("corrupt payload")
)

// Stride returns the number of bytes per packed row. Rows are padded to a
// whole byte; the badge width of 296 needs no padding.
func Stride(width int) int {
	return (width + 7) / 8
}

// Pack serializes bm with 8 pixels per byte, most significant bit first,
// rows in order. Padding bits at the end of a row are zero.
func Pack(bm *codec.Bitmap) []byte {
	w, h := bm.Width(), bm.Height()
	stride := Stride(w)
	data := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		row := data[y*stride : (y+1)*stride]
		for x := 0; x < w; x++ {
			if bm.At(x, y) {
				row[x/8] |= 0x80 >> (x % 8)
			}
		}
	}
	return data
}

// Unpack is the inverse of Pack.
func Unpack(data []byte, width, height int) (*codec.Bitmap, error) {
	bm, err := codec.NewBitmap(width, height)
	if err != nil {
		return nil, err
	}
	stride := Stride(width)
	if len(data) != stride*height {
		return nil, fmt.Errorf("%w: got %d bytes, want %d for %dx%d",
			ErrSize, len(data), stride*height, width, height)
	}
	for y := 0; y < height; y++ {
		row := data[y*stride : (y+1)*stride]
		for x := 0; x < width; x++ {
			bm.Set(x, y, row[x/8]&(0x80>>(x%8)) != 0)
		}
	}
	return bm, nil
}

// Compress wraps b in a zlib stream at maximum compression.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create zlib writer: %w", err)
	}
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return out, nil
}

// Encode returns the standard padded base64 form of b.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode reverses Encode.
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return b, nil
}

// EncodeBitmap packs, compresses and base64-encodes bm.
func EncodeBitmap(bm *codec.Bitmap) (string, error) {
	z, err := Compress(Pack(bm))
	if err != nil {
		return "", err
	}
	return Encode(z), nil
}

// DecodeBitmap reverses EncodeBitmap for a bitmap of the given size.
func DecodeBitmap(s string, width, height int) (*codec.Bitmap, error) {
	z, err := Decode(s)
	if err != nil {
		return nil, err
	}
	raw, err := Decompress(z)
	if err != nil {
		return nil, err
	}
	return Unpack(raw, width, height)
}
