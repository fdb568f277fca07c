package avif_test

import (
	"fmt"
	"os"

	"github.com/deepteams/avif"
)

// Inspect a file's container metadata without decoding any pixels.
func Example_inspect() {
	data, err := os.ReadFile("testdata/example.avif")
	if err != nil {
		return
	}
	if !avif.PeekCompatibleFileType(data) {
		return
	}

	dec := avif.NewDecoder()
	defer dec.Close()
	dec.SetIOMemory(data)
	if err := dec.Parse(); err != nil {
		return
	}
	fmt.Printf("%dx%d %d-bit %v, %d frame(s)\n",
		dec.Image.Width, dec.Image.Height, dec.Image.Depth, dec.Image.YUVFormat, dec.ImageCount)
}

// Decode every frame of an image sequence in order.
func Example_sequence() {
	dec := avif.NewDecoder()
	defer dec.Close()
	if err := dec.SetIOFile("testdata/example.avif"); err != nil {
		return
	}
	if err := dec.Parse(); err != nil {
		return
	}
	for {
		if err := dec.NextImage(); err != nil {
			break // avif.ResultNoImagesRemaining after the last frame
		}
		timing, _ := dec.NthImageTiming(dec.ImageIndex)
		fmt.Printf("frame %d at %.3fs\n", dec.ImageIndex, timing.PTS)
	}
}

// Encode a single image.
func Example_encode() {
	img := avif.NewImage()
	img.Width = 64
	img.Height = 64
	img.Depth = 8
	img.YUVFormat = avif.PixelFormatYUV420
	if err := img.AllocatePlanes(avif.PlanesYUV); err != nil {
		return
	}

	enc := avif.NewEncoder()
	defer enc.Close()
	enc.MaxQuantizer = 20
	data, err := enc.Write(img)
	if err != nil {
		return // avif.ResultNoCodecAvailable without a registered backend
	}
	_ = os.WriteFile("out.avif", data, 0o644)
}
