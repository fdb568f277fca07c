package avif

import (
	"testing"
)

// addMinimalSeeds adds stub-encoded files covering the main container
// shapes to the corpus.
func addMinimalSeeds(f *testing.F) {
	f.Helper()

	add := func(img *Image) {
		enc := NewEncoder()
		enc.CodecChoice = "stub"
		defer enc.Close()
		if data, err := enc.Write(img); err == nil {
			f.Add(data)
		}
	}

	add(newTestImageF(1, 1, 8, PixelFormatYUV444, false))
	add(newTestImageF(16, 16, 8, PixelFormatYUV420, true))
	add(newTestImageF(4, 4, 10, PixelFormatYUV422, false))

	// A short sequence.
	enc := NewEncoder()
	enc.CodecChoice = "stub"
	defer enc.Close()
	for i := 0; i < 2; i++ {
		if err := enc.AddImage(newTestImageF(8, 8, 8, PixelFormatYUV420, false), 1, 0); err != nil {
			return
		}
	}
	if data, err := enc.Finish(); err == nil {
		f.Add(data)
	}
}

func newTestImageF(w, h, depth int, format PixelFormat, alpha bool) *Image {
	img := newTestImage(w, h, depth, format, alpha, 1)
	if alpha {
		img.AlphaPlane[0] = 0
	}
	return img
}

// FuzzDecoderParse ensures no input can panic the box parser or the
// resolver; all malformed inputs must come back as error results.
func FuzzDecoderParse(f *testing.F) {
	addMinimalSeeds(f)

	f.Fuzz(func(t *testing.T, data []byte) {
		dec := NewDecoder()
		dec.CodecChoice = "stub"
		dec.SetIOMemory(data)
		if err := dec.Parse(); err == nil {
			dec.NextImage() //nolint:errcheck
		}
		dec.Close()
	})
}

// FuzzPeekCompatibleFileType must never panic on arbitrary prefixes.
func FuzzPeekCompatibleFileType(f *testing.F) {
	f.Add([]byte("\x00\x00\x00\x1cftypavif\x00\x00\x00\x00avifmif1miaf"))
	f.Fuzz(func(t *testing.T, data []byte) {
		PeekCompatibleFileType(data)
	})
}
