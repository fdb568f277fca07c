package avif

import (
	"bytes"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"github.com/rwcarlsen/goexif/exif"
)

// minimalExif is a tiny but valid little-endian TIFF payload carrying a
// single Orientation tag.
var minimalExif = []byte{
	'I', 'I', 42, 0, // TIFF header, little-endian
	8, 0, 0, 0, // offset to IFD0
	1, 0, // field count
	0x12, 0x01, // tag 0x0112 Orientation
	3, 0, // type SHORT
	1, 0, 0, 0, // count
	1, 0, 0, 0, // value: upper-left
	0, 0, 0, 0, // next IFD offset
}

func TestEncodeNoContent(t *testing.T) {
	c := qt.New(t)

	enc := NewEncoder()
	enc.CodecChoice = "stub"
	defer enc.Close()
	_, err := enc.Finish()
	c.Assert(err, qt.ErrorIs, ResultNoContent)

	img := NewImage()
	c.Assert(enc.AddImage(img, 1, AddImageFlagSingle), qt.ErrorIs, ResultUnsupportedDepth)

	img.Depth = 8
	c.Assert(enc.AddImage(img, 1, AddImageFlagSingle), qt.ErrorIs, ResultNoContent)

	img.Width = 2
	img.Height = 2
	img.YUVFormat = PixelFormatYUV444
	c.Assert(img.AllocatePlanes(PlanesYUV), qt.IsNil)
	saved := img.YUVFormat
	img.YUVFormat = PixelFormatNone
	c.Assert(enc.AddImage(img, 1, AddImageFlagSingle), qt.ErrorIs, ResultNoYUVFormatSelected)
	img.YUVFormat = saved
}

func TestEncodeNoCodec(t *testing.T) {
	c := qt.New(t)

	enc := NewEncoder()
	enc.CodecChoice = "no-such-codec"
	defer enc.Close()
	img := newTestImage(2, 2, 8, PixelFormatYUV444, false, 1)
	c.Assert(enc.AddImage(img, 1, AddImageFlagSingle), qt.ErrorIs, ResultNoCodecAvailable)
}

// imageGraph is the decoder-visible description of an image, used for
// round-trip comparisons.
type imageGraph struct {
	Width, Height, Depth int
	Format               PixelFormat
	Range                Range
	CICP                 [3]uint16
	Transforms           TransformFlags
	PASP                 PixelAspectRatio
	IROT                 ImageRotation
	IMIR                 ImageMirror
	Alpha                bool
}

func graphOf(dec *Decoder) imageGraph {
	img := dec.Image
	return imageGraph{
		Width: img.Width, Height: img.Height, Depth: img.Depth,
		Format:     img.YUVFormat,
		Range:      img.YUVRange,
		CICP:       [3]uint16{img.ColorPrimaries, img.TransferCharacteristics, img.MatrixCoefficients},
		Transforms: img.TransformFlags,
		PASP:       img.PASP,
		IROT:       img.IROT,
		IMIR:       img.IMIR,
		Alpha:      dec.AlphaPresent,
	}
}

func TestEncodeDecodeRoundTripGraph(t *testing.T) {
	c := qt.New(t)

	src := newTestImage(64, 48, 8, PixelFormatYUV420, true, 7)
	src.AlphaPlane[0] = 0 // keep the alpha item
	src.ColorPrimaries = 9
	src.TransferCharacteristics = 16
	src.MatrixCoefficients = 9
	src.YUVRange = RangeLimited
	src.TransformFlags = TransformPASP | TransformIROT | TransformIMIR
	src.PASP = PixelAspectRatio{HSpacing: 1, VSpacing: 2}
	src.IROT = ImageRotation{Angle: 1}
	src.IMIR = ImageMirror{Axis: 1}

	data := encodeTestFile(t, src)

	dec := newTestDecoder(data)
	defer dec.Close()
	c.Assert(dec.Parse(), qt.IsNil)

	want := imageGraph{
		Width: 64, Height: 48, Depth: 8,
		Format:     PixelFormatYUV420,
		Range:      RangeLimited,
		CICP:       [3]uint16{9, 16, 9},
		Transforms: TransformPASP | TransformIROT | TransformIMIR,
		PASP:       PixelAspectRatio{HSpacing: 1, VSpacing: 2},
		IROT:       ImageRotation{Angle: 1},
		IMIR:       ImageMirror{Axis: 1},
		Alpha:      true,
	}
	c.Assert(cmp.Diff(want, graphOf(dec)), qt.Equals, "")

	// And the pixels survive the full trip.
	c.Assert(dec.NextImage(), qt.IsNil)
	c.Assert(bytes.Equal(dec.Image.YUVPlanes[ChanY][:64], src.YUVPlanes[ChanY][:64]), qt.IsTrue)
}

func TestEncodeMetadataRoundTrip(t *testing.T) {
	c := qt.New(t)

	src := newTestImage(8, 8, 8, PixelFormatYUV444, false, 3)
	src.Exif = append([]byte(nil), minimalExif...)
	src.XMP = []byte(`<x:xmpmeta xmlns:x="adobe:ns:meta/"/>`)

	data := encodeTestFile(t, src)

	dec := newTestDecoder(data)
	defer dec.Close()
	c.Assert(dec.Parse(), qt.IsNil)

	c.Assert(dec.Image.Exif, qt.DeepEquals, src.Exif)
	c.Assert(dec.Image.XMP, qt.DeepEquals, src.XMP)

	// The harvested payload is a valid EXIF blob.
	x, err := exif.Decode(bytes.NewReader(dec.Image.Exif))
	c.Assert(err, qt.IsNil)
	tag, err := x.Get(exif.Orientation)
	c.Assert(err, qt.IsNil)
	orientation, err := tag.Int(0)
	c.Assert(err, qt.IsNil)
	c.Assert(orientation, qt.Equals, 1)
}

func TestEncodeMetadataIgnored(t *testing.T) {
	c := qt.New(t)

	src := newTestImage(8, 8, 8, PixelFormatYUV444, false, 3)
	src.Exif = append([]byte(nil), minimalExif...)
	src.XMP = []byte("<x/>")
	data := encodeTestFile(t, src)

	dec := newTestDecoder(data)
	dec.IgnoreExif = true
	dec.IgnoreXMP = true
	defer dec.Close()
	c.Assert(dec.Parse(), qt.IsNil)
	c.Assert(dec.Image.Exif, qt.HasLen, 0)
	c.Assert(dec.Image.XMP, qt.HasLen, 0)
}

func TestEncodeInvalidExif(t *testing.T) {
	c := qt.New(t)

	src := newTestImage(8, 8, 8, PixelFormatYUV444, false, 3)
	src.Exif = []byte{1, 2, 3, 4, 5, 6, 7, 8} // no TIFF header anywhere

	enc := NewEncoder()
	enc.CodecChoice = "stub"
	defer enc.Close()
	_, err := enc.Write(src)
	c.Assert(err, qt.ErrorIs, ResultInvalidExifPayload)
}

func TestEncodeBrands(t *testing.T) {
	c := qt.New(t)

	// 8-bit 4:4:4 carries MA1A.
	data := encodeTestFile(t, newTestImage(4, 4, 8, PixelFormatYUV444, false, 1))
	c.Assert(bytes.Contains(data, []byte("MA1A")), qt.IsTrue)
	c.Assert(bytes.Contains(data, []byte("avis")), qt.IsFalse)

	// 8-bit 4:2:0 carries MA1B.
	data = encodeTestFile(t, newTestImage(4, 4, 8, PixelFormatYUV420, false, 1))
	c.Assert(bytes.Contains(data, []byte("MA1B")), qt.IsTrue)

	// 12-bit carries neither.
	data = encodeTestFile(t, newTestImage(4, 4, 12, PixelFormatYUV444, false, 1))
	c.Assert(bytes.Contains(data, []byte("MA1A")), qt.IsFalse)

	// Sequences add avis and msf1.
	enc := NewEncoder()
	enc.CodecChoice = "stub"
	defer enc.Close()
	for i := 0; i < 2; i++ {
		c.Assert(enc.AddImage(newTestImage(4, 4, 8, PixelFormatYUV420, false, 1), 1, 0), qt.IsNil)
	}
	seq, err := enc.Finish()
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.Contains(seq[:64], []byte("avis")), qt.IsTrue)
	c.Assert(bytes.Contains(seq[:64], []byte("msf1")), qt.IsTrue)
}

func TestEncodeAlphaPayloadBeforeColor(t *testing.T) {
	c := qt.New(t)

	src := newTestImage(16, 16, 8, PixelFormatYUV420, true, 5)
	src.AlphaPlane[0] = 0 // not opaque

	data := encodeTestFile(t, src)

	alphaPayload := stubEncode(src, true)
	colorPayload := stubEncode(src, false)

	alphaIdx := bytes.Index(data, alphaPayload)
	colorIdx := bytes.Index(data, colorPayload)
	c.Assert(alphaIdx > 0, qt.IsTrue)
	c.Assert(colorIdx > 0, qt.IsTrue)
	// Alpha payloads are packed before color payloads in mdat so partial
	// downloads can show alpha masks early.
	c.Assert(alphaIdx < colorIdx, qt.IsTrue)
}

func TestEncodeSequenceRequiresStableAlpha(t *testing.T) {
	c := qt.New(t)

	enc := NewEncoder()
	enc.CodecChoice = "stub"
	defer enc.Close()

	withAlpha := newTestImage(4, 4, 8, PixelFormatYUV420, true, 1)
	withAlpha.AlphaPlane[0] = 0
	c.Assert(enc.AddImage(withAlpha, 1, 0), qt.IsNil)

	noAlpha := newTestImage(4, 4, 8, PixelFormatYUV420, false, 2)
	c.Assert(enc.AddImage(noAlpha, 1, 0), qt.ErrorIs, ResultEncodeAlphaFailed)
}

func TestEncodeKeyframeInterval(t *testing.T) {
	c := qt.New(t)

	enc := NewEncoder()
	enc.CodecChoice = "stub"
	enc.KeyframeInterval = 2
	enc.Timescale = 10
	defer enc.Close()
	for i := 0; i < 4; i++ {
		c.Assert(enc.AddImage(newTestImage(16, 16, 8, PixelFormatYUV420, false, uint8(i)), 1, 0), qt.IsNil)
	}
	data, err := enc.Finish()
	c.Assert(err, qt.IsNil)

	dec := newTestDecoder(data)
	defer dec.Close()
	c.Assert(dec.Parse(), qt.IsNil)
	c.Assert(dec.IsKeyframe(0), qt.IsTrue)
	c.Assert(dec.IsKeyframe(1), qt.IsFalse)
	c.Assert(dec.IsKeyframe(2), qt.IsTrue)
	c.Assert(dec.IsKeyframe(3), qt.IsFalse)
	c.Assert(dec.NearestKeyframe(3), qt.Equals, 2)
}

func TestWriterOutputReparsesEquivalently(t *testing.T) {
	c := qt.New(t)

	src := newTestImage(10, 10, 10, PixelFormatYUV422, false, 6)
	data := encodeTestFile(t, src)

	// Parse the writer's output twice through independent decoders; the
	// resulting graphs must agree with each other and the source.
	dec1 := newTestDecoder(data)
	defer dec1.Close()
	c.Assert(dec1.Parse(), qt.IsNil)
	dec2 := newTestDecoder(append([]byte(nil), data...))
	defer dec2.Close()
	c.Assert(dec2.Parse(), qt.IsNil)

	c.Assert(cmp.Diff(graphOf(dec1), graphOf(dec2)), qt.Equals, "")
	c.Assert(dec1.Image.Depth, qt.Equals, 10)
	c.Assert(dec1.Image.YUVFormat, qt.Equals, PixelFormatYUV422)
}
