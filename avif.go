// Package avif reads and writes AVIF files: AV1-coded images stored in an
// ISO Base Media File Format container.
//
// The package implements the container side completely (box parsing, item
// and track resolution, grid reassembly, layered and progressive images,
// and a compliant writer) and drives pluggable AV1 codec backends through a
// small interface. Backends register themselves via RegisterCodec, typically
// from build-tag-gated packages; with no backend registered, parsing and
// inspection work but pixel decode/encode return ResultNoCodecAvailable.
//
// This package registers itself with the standard library's image package
// so that image.Decode can transparently read AVIF files once a decode
// backend is available.
package avif

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/deepteams/avif/internal/bmff"
)

func init() {
	// "????" wildcards the box size; the brands are checked properly when
	// Decode parses the ftyp box.
	image.RegisterFormat("avif", "????ftypavif", Decode, DecodeConfig)
	image.RegisterFormat("avif", "????ftypavis", Decode, DecodeConfig)
}

// Errors returned by the image-package interop layer.
var (
	ErrUnsupported = errors.New("avif: unsupported format")
)

// PeekCompatibleFileType reports whether input begins with an ftyp box
// declaring an AVIF-compatible brand. A few dozen bytes of the file are
// enough.
func PeekCompatibleFileType(input []byte) bool {
	s := bmff.NewReader(input)
	header, err := s.ReadBoxHeader()
	if err != nil || header.Type != "ftyp" {
		return false
	}
	ftyp, err := bmff.ParseFileTypeBox(s.Current()[:header.Size])
	if err != nil {
		return false
	}
	return ftyp.IsCompatible()
}

// readAll reads all data from r. If r implements Len() int (e.g.
// *bytes.Reader), a single exact-sized allocation is used instead of the
// repeated doublings that io.ReadAll performs.
func readAll(r io.Reader) ([]byte, error) {
	if lr, ok := r.(interface{ Len() int }); ok {
		if n := lr.Len(); n > 0 {
			data := make([]byte, n)
			_, err := io.ReadFull(r, data)
			return data, err
		}
	}
	return io.ReadAll(r)
}

// Decode reads an AVIF image from r and returns its first frame as an
// image.Image. 8-bit YUV maps onto *image.YCbCr (or *image.NYCbCrA with
// alpha, *image.Gray for monochrome) without any colour conversion; higher
// bit depths are not representable by the standard image types and return
// ErrUnsupported.
func Decode(r io.Reader) (image.Image, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, fmt.Errorf("avif: reading data: %w", err)
	}

	decoder := NewDecoder()
	defer decoder.Close()
	decoder.SetIOMemory(data)
	if err := decoder.Parse(); err != nil {
		return nil, fmt.Errorf("avif: parsing container: %w", err)
	}
	if err := decoder.NextImage(); err != nil {
		return nil, fmt.Errorf("avif: decoding image: %w", err)
	}
	return toImage(decoder.Image)
}

// DecodeConfig returns the color model and dimensions of an AVIF image
// without decoding pixel data.
func DecodeConfig(r io.Reader) (image.Config, error) {
	data, err := readAll(r)
	if err != nil {
		return image.Config{}, fmt.Errorf("avif: reading data: %w", err)
	}

	decoder := NewDecoder()
	defer decoder.Close()
	decoder.SetIOMemory(data)
	if err := decoder.Parse(); err != nil {
		return image.Config{}, fmt.Errorf("avif: parsing container: %w", err)
	}

	var cm color.Model
	switch {
	case decoder.Image.YUVFormat == PixelFormatYUV400:
		cm = color.GrayModel
	case decoder.AlphaPresent:
		cm = color.NYCbCrAModel
	default:
		cm = color.YCbCrModel
	}
	return image.Config{
		ColorModel: cm,
		Width:      decoder.Image.Width,
		Height:     decoder.Image.Height,
	}, nil
}

// subsampleRatio maps a PixelFormat onto the image package's enumeration.
func subsampleRatio(f PixelFormat) (image.YCbCrSubsampleRatio, bool) {
	switch f {
	case PixelFormatYUV444:
		return image.YCbCrSubsampleRatio444, true
	case PixelFormatYUV422:
		return image.YCbCrSubsampleRatio422, true
	case PixelFormatYUV420:
		return image.YCbCrSubsampleRatio420, true
	default:
		return 0, false
	}
}

// toImage adopts a decoded Image's planes as a standard library image.
func toImage(img *Image) (image.Image, error) {
	if img.Depth != 8 {
		return nil, fmt.Errorf("%w: %d-bit is not representable as a standard image type", ErrUnsupported, img.Depth)
	}
	rect := image.Rect(0, 0, img.Width, img.Height)

	if img.YUVFormat == PixelFormatYUV400 {
		return &image.Gray{
			Pix:    img.YUVPlanes[ChanY],
			Stride: img.YUVRowBytes[ChanY],
			Rect:   rect,
		}, nil
	}

	ratio, ok := subsampleRatio(img.YUVFormat)
	if !ok {
		return nil, ErrUnsupported
	}
	ycbcr := image.YCbCr{
		Y:              img.YUVPlanes[ChanY],
		Cb:             img.YUVPlanes[ChanU],
		Cr:             img.YUVPlanes[ChanV],
		YStride:        img.YUVRowBytes[ChanY],
		CStride:        img.YUVRowBytes[ChanU],
		SubsampleRatio: ratio,
		Rect:           rect,
	}
	if img.AlphaPlane != nil {
		return &image.NYCbCrA{
			YCbCr:   ycbcr,
			A:       img.AlphaPlane,
			AStride: img.AlphaRowBytes,
		}, nil
	}
	return &ycbcr, nil
}
