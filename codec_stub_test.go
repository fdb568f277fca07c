package avif

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// The tests exercise the full container pipeline against a trivial stub
// backend: EncodeImage serialises the raw planes behind a small header, and
// GetNextImage deserialises them. No AV1 coding is involved, so encoder
// output round-trips bit-exactly through the writer and reader.

const stubMagic = "gST0"

func init() {
	RegisterCodec("stub", CodecFlagCanDecode|CodecFlagCanEncode,
		func() CodecDecoder { return &stubDecoder{} },
		func() CodecEncoder { return &stubEncoder{} },
	)
}

func stubPlaneGeometry(format PixelFormat, width, height, pixelBytes int) (planes int, sizes [3]int, widths [3]int, heights [3]int) {
	info := formatInfo(format)
	planes = 3
	if info.monochrome {
		planes = 1
	}
	for c := 0; c < planes; c++ {
		w, h := width, height
		if c > 0 {
			w = (w + (1 << info.chromaShiftX) - 1) >> info.chromaShiftX
			h = (h + (1 << info.chromaShiftY) - 1) >> info.chromaShiftY
		}
		widths[c] = w
		heights[c] = h
		sizes[c] = w * h * pixelBytes
	}
	return
}

// stubEncode serialises an image (or its alpha plane) into a payload.
func stubEncode(img *Image, alpha bool) []byte {
	format := img.YUVFormat
	if alpha {
		format = PixelFormatYUV400
	}
	pb := img.pixelBytes()

	header := make([]byte, 14)
	copy(header, stubMagic)
	binary.BigEndian.PutUint16(header[4:], uint16(img.Width))
	binary.BigEndian.PutUint16(header[6:], uint16(img.Height))
	header[8] = uint8(img.Depth)
	header[9] = uint8(format)
	if alpha {
		header[10] = uint8(img.AlphaRange)
	} else {
		header[10] = uint8(img.YUVRange)
	}
	header[11] = img.ChromaSamplePosition
	header[12] = uint8(img.ColorPrimaries)
	header[13] = uint8(img.MatrixCoefficients)

	out := append([]byte(nil), header...)
	if alpha {
		for y := 0; y < img.Height; y++ {
			out = append(out, img.AlphaPlane[y*img.AlphaRowBytes:y*img.AlphaRowBytes+img.Width*pb]...)
		}
		return out
	}
	planes, _, widths, heights := stubPlaneGeometry(format, img.Width, img.Height, pb)
	for c := 0; c < planes; c++ {
		for y := 0; y < heights[c]; y++ {
			out = append(out, img.YUVPlanes[c][y*img.YUVRowBytes[c]:y*img.YUVRowBytes[c]+widths[c]*pb]...)
		}
	}
	return out
}

type stubDecoder struct {
	opened bool
}

func (d *stubDecoder) Open(firstSampleIndex int, allLayers bool, operatingPoint uint8, maxThreads int) error {
	d.opened = true
	return nil
}

func (d *stubDecoder) GetNextImage(sample *DecodeSample, data []byte, alpha bool, img *Image) error {
	if !d.opened {
		return errors.New("stub: decoder not opened")
	}
	if len(data) < 14 || string(data[:4]) != stubMagic {
		return fmt.Errorf("stub: bad payload")
	}
	width := int(binary.BigEndian.Uint16(data[4:]))
	height := int(binary.BigEndian.Uint16(data[6:]))
	depth := int(data[8])
	format := PixelFormat(data[9])
	rng := Range(data[10])

	img.FreePlanes(PlanesAll)
	img.Width = width
	img.Height = height
	img.Depth = depth
	img.YUVFormat = format
	img.YUVRange = rng
	img.ChromaSamplePosition = data[11]
	img.ColorPrimaries = uint16(data[12])
	img.MatrixCoefficients = uint16(data[13])
	if alpha {
		img.AlphaRange = rng
	}

	pb := img.pixelBytes()
	planes, sizes, widths, _ := stubPlaneGeometry(format, width, height, pb)
	payload := data[14:]
	for c := 0; c < planes; c++ {
		if len(payload) < sizes[c] {
			return fmt.Errorf("stub: truncated plane %d", c)
		}
		img.YUVRowBytes[c] = widths[c] * pb
		img.YUVPlanes[c] = append([]byte(nil), payload[:sizes[c]]...)
		payload = payload[sizes[c]:]
	}
	img.DecoderOwnsPlanes = true
	return nil
}

func (d *stubDecoder) Close() error { return nil }

type stubEncoder struct {
	frames int
}

func (e *stubEncoder) EncodeImage(img *Image, cfg *EncoderConfig, alpha bool, flags AddImageFlags) ([]EncodeSample, error) {
	if cfg == nil {
		return nil, errors.New("stub: nil config")
	}
	sync := e.frames == 0 || flags&AddImageFlagForceKeyframe != 0
	e.frames++
	return []EncodeSample{{Data: stubEncode(img, alpha), Sync: sync}}, nil
}

func (e *stubEncoder) EncodeFinish() ([]EncodeSample, error) { return nil, nil }

func (e *stubEncoder) Close() error { return nil }
