package avif

import (
	"bytes"
	"encoding/binary"
	"image"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/deepteams/avif/internal/bmff"
)

func imageDecode(data []byte) (image.Image, string, error) {
	return image.Decode(bytes.NewReader(data))
}

func imageDecodeConfig(data []byte) (image.Config, string, error) {
	return image.DecodeConfig(bytes.NewReader(data))
}

// newTestImage fills an image with a deterministic pattern.
func newTestImage(width, height, depth int, format PixelFormat, withAlpha bool, seed uint8) *Image {
	img := NewImage()
	img.Width = width
	img.Height = height
	img.Depth = depth
	img.YUVFormat = format
	img.YUVRange = RangeFull
	planes := PlanesYUV
	if withAlpha {
		planes = PlanesAll
	}
	if err := img.AllocatePlanes(planes); err != nil {
		panic(err)
	}
	for c := 0; c < 3; c++ {
		for i := range img.YUVPlanes[c] {
			img.YUVPlanes[c][i] = seed + uint8(c) + uint8(i)
		}
	}
	if withAlpha {
		for i := range img.AlphaPlane {
			img.AlphaPlane[i] = 0x80 + seed
		}
		img.AlphaRange = RangeFull
	}
	return img
}

// encodeTestFile runs the stub-backed encoder over one still image.
func encodeTestFile(t *testing.T, img *Image) []byte {
	t.Helper()
	enc := NewEncoder()
	enc.CodecChoice = "stub"
	defer enc.Close()
	out, err := enc.Write(img)
	if err != nil {
		t.Fatalf("encoding test file: %v", err)
	}
	return out
}

func newTestDecoder(data []byte) *Decoder {
	dec := NewDecoder()
	dec.CodecChoice = "stub"
	dec.SetIOMemory(data)
	return dec
}

func TestDecodeMinimalStill(t *testing.T) {
	c := qt.New(t)

	src := newTestImage(1, 1, 8, PixelFormatYUV444, false, 1)
	data := encodeTestFile(t, src)

	c.Assert(PeekCompatibleFileType(data), qt.IsTrue)

	dec := newTestDecoder(data)
	defer dec.Close()
	c.Assert(dec.Parse(), qt.IsNil)

	c.Assert(dec.Image.Width, qt.Equals, 1)
	c.Assert(dec.Image.Height, qt.Equals, 1)
	c.Assert(dec.Image.Depth, qt.Equals, 8)
	c.Assert(dec.Image.YUVFormat, qt.Equals, PixelFormatYUV444)
	c.Assert(dec.ImageCount, qt.Equals, 1)
	c.Assert(dec.AlphaPresent, qt.IsFalse)

	c.Assert(dec.NextImage(), qt.IsNil)
	c.Assert(dec.Image.YUVPlanes[ChanY][0], qt.Equals, src.YUVPlanes[ChanY][0])

	c.Assert(dec.NextImage(), qt.ErrorIs, ResultNoImagesRemaining)
}

func TestDecodeStillWithAlpha(t *testing.T) {
	c := qt.New(t)

	src := newTestImage(8, 8, 8, PixelFormatYUV420, true, 3)
	src.AlphaPlane[5] = 0x11 // not opaque, so the alpha item is kept
	data := encodeTestFile(t, src)

	dec := newTestDecoder(data)
	defer dec.Close()
	c.Assert(dec.Parse(), qt.IsNil)
	c.Assert(dec.AlphaPresent, qt.IsTrue)

	c.Assert(dec.NextImage(), qt.IsNil)
	c.Assert(dec.Image.AlphaPlane, qt.Not(qt.IsNil))
	c.Assert(dec.Image.AlphaPlane[5], qt.Equals, uint8(0x11))
	c.Assert(dec.IOStats.AlphaOBUSize > 0, qt.IsTrue)
}

func TestDecodeOpaqueAlphaElided(t *testing.T) {
	c := qt.New(t)

	// A fully opaque alpha plane on a single image is dropped entirely.
	src := newTestImage(4, 4, 8, PixelFormatYUV444, true, 2)
	for i := range src.AlphaPlane {
		src.AlphaPlane[i] = 0xff
	}
	data := encodeTestFile(t, src)

	dec := newTestDecoder(data)
	defer dec.Close()
	c.Assert(dec.Parse(), qt.IsNil)
	c.Assert(dec.AlphaPresent, qt.IsFalse)
}

func TestDecodeTruncatedBeforeIpma(t *testing.T) {
	c := qt.New(t)

	data := encodeTestFile(t, newTestImage(1, 1, 8, PixelFormatYUV444, false, 1))

	// Cut at the first byte of the ipma box header.
	idx := bytes.Index(data, []byte("ipma"))
	c.Assert(idx > 4, qt.IsTrue)
	cut := data[:idx-4]

	dec := newTestDecoder(cut)
	defer dec.Close()
	c.Assert(dec.Parse(), qt.ErrorIs, ResultTruncatedData)
}

func TestDecodeBrokenPropertyFourCC(t *testing.T) {
	c := qt.New(t)

	data := encodeTestFile(t, newTestImage(1, 1, 8, PixelFormatYUV444, false, 1))
	broken := bytes.Replace(data, []byte("ispe"), []byte("aspe"), 1)

	dec := newTestDecoder(broken)
	defer dec.Close()
	// The unknown property itself is skipped, but the item then lacks its
	// mandatory ispe.
	c.Assert(dec.Parse(), qt.ErrorIs, ResultBMFFParseFailed)
}

func TestDecodeHugeMetaBoxSize(t *testing.T) {
	c := qt.New(t)

	data := encodeTestFile(t, newTestImage(1, 1, 8, PixelFormatYUV444, false, 1))

	// Rewrite the meta box size to 0xFFFFFFFF.
	idx := bytes.Index(data, []byte("meta"))
	c.Assert(idx >= 4, qt.IsTrue)
	broken := append([]byte(nil), data...)
	binary.BigEndian.PutUint32(broken[idx-4:], 0xffffffff)

	dec := newTestDecoder(broken)
	defer dec.Close()
	c.Assert(dec.Parse(), qt.ErrorIs, ResultBMFFParseFailed)
	c.Assert(strings.Contains(dec.Diag(), "aborted"), qt.IsTrue)
}

func TestDecodeTooManyBoxes(t *testing.T) {
	c := qt.New(t)

	// An ftyp demanding a meta box, followed by thousands of spurious
	// boxes; the parser gives up after its box-count limit.
	w := bmff.NewWriter()
	ftyp := w.WriteBox("ftyp")
	w.WriteChars("avif")
	w.WriteU32(0)
	w.WriteChars("avif")
	w.WriteChars("mif1")
	w.FinishBox(ftyp)
	for i := 0; i < 12345; i++ {
		abcd := w.WriteBox("abcd")
		w.FinishBox(abcd)
	}

	dec := newTestDecoder(w.Bytes())
	defer dec.Close()
	c.Assert(dec.Parse(), qt.ErrorIs, ResultBMFFParseFailed)
	c.Assert(strings.Contains(dec.Diag(), "too many"), qt.IsTrue)
}

func TestDecodeNotAvif(t *testing.T) {
	c := qt.New(t)

	w := bmff.NewWriter()
	ftyp := w.WriteBox("ftyp")
	w.WriteChars("heic")
	w.WriteU32(0)
	w.WriteChars("mif1")
	w.FinishBox(ftyp)

	dec := newTestDecoder(w.Bytes())
	defer dec.Close()
	c.Assert(dec.Parse(), qt.ErrorIs, ResultInvalidFtyp)
	c.Assert(PeekCompatibleFileType(w.Bytes()), qt.IsFalse)
}

func TestDecodeNoIO(t *testing.T) {
	c := qt.New(t)
	dec := NewDecoder()
	c.Assert(dec.Parse(), qt.ErrorIs, ResultIONotSet)
	c.Assert(dec.NextImage(), qt.ErrorIs, ResultNoContent)
}

// waitingIO serves a byte slice but reports ResultWaitingOnIO for any read
// past the currently available prefix, simulating a partial download.
type waitingIO struct {
	data      []byte
	available int
}

func (w *waitingIO) Read(readFlags uint32, offset uint64, size int) ([]byte, error) {
	if offset+uint64(size) > uint64(w.available) {
		if offset+uint64(size) <= uint64(len(w.data)) {
			return nil, ResultWaitingOnIO
		}
		// Past EOF: clamp like a normal reader.
		if offset > uint64(w.available) {
			return nil, ResultWaitingOnIO
		}
		return w.data[offset:w.available], nil
	}
	return w.data[offset : int(offset)+size], nil
}

func (w *waitingIO) SizeHint() uint64 { return uint64(len(w.data)) }
func (w *waitingIO) Persistent() bool { return false }
func (w *waitingIO) Close() error     { return nil }

func TestDecodeWaitingOnIO(t *testing.T) {
	c := qt.New(t)

	data := encodeTestFile(t, newTestImage(4, 4, 8, PixelFormatYUV444, false, 5))

	// Only the bytes up to (but excluding) the mdat payload are available.
	mdatIdx := bytes.Index(data, []byte("mdat"))
	c.Assert(mdatIdx > 0, qt.IsTrue)
	io := &waitingIO{data: data, available: mdatIdx + 4}

	dec := NewDecoder()
	dec.CodecChoice = "stub"
	dec.SetIO(io)
	defer dec.Close()

	c.Assert(dec.Parse(), qt.IsNil)

	// The payload bytes aren't there yet; the call is idempotent.
	c.Assert(dec.NextImage(), qt.ErrorIs, ResultWaitingOnIO)
	c.Assert(dec.NextImage(), qt.ErrorIs, ResultWaitingOnIO)
	c.Assert(dec.ImageIndex, qt.Equals, -1)

	// Once the rest arrives, the same call succeeds.
	io.available = len(data)
	c.Assert(dec.NextImage(), qt.IsNil)
	c.Assert(dec.ImageIndex, qt.Equals, 0)
}

func TestDecodeSequenceTiming(t *testing.T) {
	c := qt.New(t)

	enc := NewEncoder()
	enc.CodecChoice = "stub"
	enc.Timescale = 30
	defer enc.Close()
	for i := 0; i < 3; i++ {
		img := newTestImage(16, 16, 8, PixelFormatYUV420, false, uint8(10*i))
		c.Assert(enc.AddImage(img, 1, 0), qt.IsNil)
	}
	data, err := enc.Finish()
	c.Assert(err, qt.IsNil)

	dec := newTestDecoder(data)
	defer dec.Close()
	c.Assert(dec.Parse(), qt.IsNil)

	c.Assert(dec.ImageCount, qt.Equals, 3)
	c.Assert(dec.Timescale, qt.Equals, uint64(30))
	c.Assert(dec.DurationInTimescales, qt.Equals, uint64(3))

	for i := 0; i < 3; i++ {
		timing, err := dec.NthImageTiming(i)
		c.Assert(err, qt.IsNil)
		c.Assert(timing.PTSInTimescales, qt.Equals, uint64(i))
		c.Assert(timing.PTS, qt.Equals, float64(i)/30)
		c.Assert(timing.DurationInTimescales, qt.Equals, uint64(1))
	}
	_, err = dec.NthImageTiming(3)
	c.Assert(err, qt.ErrorIs, ResultNoImagesRemaining)

	// Walk the frames and confirm the timing advances with them.
	c.Assert(dec.NextImage(), qt.IsNil)
	c.Assert(dec.ImageTiming.PTSInTimescales, qt.Equals, uint64(0))
	c.Assert(dec.NextImage(), qt.IsNil)
	c.Assert(dec.ImageTiming.PTSInTimescales, qt.Equals, uint64(1))
}

func TestDecodeSequenceSeek(t *testing.T) {
	c := qt.New(t)

	enc := NewEncoder()
	enc.CodecChoice = "stub"
	enc.Timescale = 10
	defer enc.Close()
	var sources []*Image
	for i := 0; i < 4; i++ {
		img := newTestImage(16, 16, 8, PixelFormatYUV420, false, uint8(20*i))
		sources = append(sources, img)
		c.Assert(enc.AddImage(img, 1, 0), qt.IsNil)
	}
	data, err := enc.Finish()
	c.Assert(err, qt.IsNil)

	dec := newTestDecoder(data)
	defer dec.Close()
	c.Assert(dec.Parse(), qt.IsNil)

	// Only the first frame is a keyframe with the stub backend.
	c.Assert(dec.IsKeyframe(0), qt.IsTrue)
	c.Assert(dec.IsKeyframe(2), qt.IsFalse)
	c.Assert(dec.NearestKeyframe(3), qt.Equals, 0)

	// Jump straight to frame 2.
	c.Assert(dec.NthImage(2), qt.IsNil)
	c.Assert(dec.ImageIndex, qt.Equals, 2)
	c.Assert(dec.Image.YUVPlanes[ChanY][0], qt.Equals, sources[2].YUVPlanes[ChanY][0])

	// Seek backwards: requires a flush and re-decode from the keyframe.
	c.Assert(dec.NthImage(1), qt.IsNil)
	c.Assert(dec.ImageIndex, qt.Equals, 1)
	c.Assert(dec.Image.YUVPlanes[ChanY][0], qt.Equals, sources[1].YUVPlanes[ChanY][0])

	c.Assert(dec.NthImage(99), qt.ErrorIs, ResultNoImagesRemaining)
}

func TestDecoderRequestedSource(t *testing.T) {
	c := qt.New(t)

	// A 2-frame sequence file carries both a meta (primary item) and a
	// moov; the requested source picks between them.
	enc := NewEncoder()
	enc.CodecChoice = "stub"
	defer enc.Close()
	for i := 0; i < 2; i++ {
		img := newTestImage(8, 8, 8, PixelFormatYUV444, false, uint8(1+i))
		c.Assert(enc.AddImage(img, 1, 0), qt.IsNil)
	}
	data, err := enc.Finish()
	c.Assert(err, qt.IsNil)

	// Auto: major brand avis prefers tracks.
	dec := newTestDecoder(data)
	c.Assert(dec.Parse(), qt.IsNil)
	c.Assert(dec.ImageCount, qt.Equals, 2)
	dec.Close()

	// Explicit still-image source sees one frame.
	dec = newTestDecoder(data)
	dec.RequestedSource = DecoderSourcePrimaryItem
	c.Assert(dec.Parse(), qt.IsNil)
	c.Assert(dec.ImageCount, qt.Equals, 1)
	dec.Close()
}

func TestDecodeMaxExtent(t *testing.T) {
	c := qt.New(t)

	data := encodeTestFile(t, newTestImage(4, 4, 8, PixelFormatYUV444, false, 9))

	dec := newTestDecoder(data)
	defer dec.Close()
	c.Assert(dec.Parse(), qt.IsNil)

	extent, err := dec.NthImageMaxExtent(0)
	c.Assert(err, qt.IsNil)
	c.Assert(extent.Size > 0, qt.IsTrue)
	// The extent points into the mdat payload region.
	c.Assert(extent.Offset > uint64(bytes.Index(data, []byte("mdat"))), qt.IsTrue)
	c.Assert(extent.Offset+uint64(extent.Size) <= uint64(len(data)), qt.IsTrue)
}

func TestImagePackageIntegration(t *testing.T) {
	c := qt.New(t)

	src := newTestImage(6, 6, 8, PixelFormatYUV420, false, 40)
	data := encodeTestFile(t, src)

	cfg, format, err := imageDecodeConfig(data)
	c.Assert(err, qt.IsNil)
	c.Assert(format, qt.Equals, "avif")
	c.Assert(cfg.Width, qt.Equals, 6)
	c.Assert(cfg.Height, qt.Equals, 6)

	img, format, err := imageDecode(data)
	c.Assert(err, qt.IsNil)
	c.Assert(format, qt.Equals, "avif")
	c.Assert(img.Bounds().Dx(), qt.Equals, 6)
}
