// Command gavif inspects, decodes and encodes AVIF images from the command
// line.
//
// Usage:
//
//	gavif info <input.avif>             Display container metadata
//	gavif dec [options] <input.avif>    AVIF → PNG (requires a decode backend)
//	gavif enc [options] <input>         JPEG/grayscale PNG → AVIF (requires an encode backend)
//
// Pixel decode and encode need a registered codec backend; without one,
// info still works on any AVIF file.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/deepteams/avif"

	_ "image/jpeg"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "info":
		err = runInfo(os.Args[2:])
	case "dec":
		err = runDec(os.Args[2:])
	case "enc":
		err = runEnc(os.Args[2:])
	case "-h", "-help", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "gavif: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "gavif: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  gavif info <input.avif>            Display AVIF container metadata
  gavif dec [options] <input.avif>   Decode AVIF to PNG
  gavif enc [options] <input>        Encode JPEG/grayscale PNG to AVIF

Use "-" as input to read from stdin, "-o -" to write to stdout.

Run "gavif <command> -h" for command-specific options.
`)
}

// readInput reads the named file, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// openOutput opens the named file for writing, or stdout for "-".
func openOutput(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// --- info ---

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	showExif := fs.Bool("exif", true, "dump EXIF tags when present")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("info: missing input file")
	}

	data, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}
	if !avif.PeekCompatibleFileType(data) {
		return fmt.Errorf("info: %s is not an AVIF file", fs.Arg(0))
	}

	decoder := avif.NewDecoder()
	defer decoder.Close()
	decoder.SetIOMemory(data)
	if err := decoder.Parse(); err != nil {
		if diagMsg := decoder.Diag(); diagMsg != "" {
			return fmt.Errorf("info: %w (%s)", err, diagMsg)
		}
		return fmt.Errorf("info: %w", err)
	}

	img := decoder.Image
	fmt.Printf("Dimensions : %d x %d\n", img.Width, img.Height)
	fmt.Printf("Bit depth  : %d\n", img.Depth)
	fmt.Printf("Format     : %v\n", img.YUVFormat)
	fmt.Printf("Alpha      : %v\n", decoder.AlphaPresent)
	fmt.Printf("Range      : %s\n", rangeName(img.YUVRange))
	fmt.Printf("CICP       : %d/%d/%d\n", img.ColorPrimaries, img.TransferCharacteristics, img.MatrixCoefficients)
	if len(img.ICC) > 0 {
		fmt.Printf("ICC        : %d bytes\n", len(img.ICC))
	}
	if img.TransformFlags != avif.TransformNone {
		var transforms []string
		if img.TransformFlags&avif.TransformPASP != 0 {
			transforms = append(transforms, fmt.Sprintf("pasp %d:%d", img.PASP.HSpacing, img.PASP.VSpacing))
		}
		if img.TransformFlags&avif.TransformCLAP != 0 {
			transforms = append(transforms, "clap")
		}
		if img.TransformFlags&avif.TransformIROT != 0 {
			transforms = append(transforms, fmt.Sprintf("irot %d", img.IROT.Angle))
		}
		if img.TransformFlags&avif.TransformIMIR != 0 {
			transforms = append(transforms, fmt.Sprintf("imir %d", img.IMIR.Axis))
		}
		fmt.Printf("Transforms : %s\n", strings.Join(transforms, ", "))
	}
	if decoder.ImageCount > 1 {
		fmt.Printf("Frames     : %d\n", decoder.ImageCount)
		fmt.Printf("Timescale  : %d\n", decoder.Timescale)
		fmt.Printf("Duration   : %.3fs\n", decoder.Duration)
	}
	if decoder.ProgressiveState != avif.ProgressiveStateUnavailable {
		fmt.Printf("Progressive: %v\n", decoder.ProgressiveState == avif.ProgressiveStateActive)
	}
	if len(img.XMP) > 0 {
		fmt.Printf("XMP        : %d bytes\n", len(img.XMP))
	}

	if len(img.Exif) > 0 {
		fmt.Printf("EXIF       : %d bytes\n", len(img.Exif))
		if *showExif {
			dumpExif(img.Exif)
		}
	}
	return nil
}

func rangeName(r avif.Range) string {
	if r == avif.RangeFull {
		return "full"
	}
	return "limited"
}

// dumpExif decodes the harvested Exif payload and prints its tags. The
// payload may carry a prefix (e.g. "Exif\0\0") before the TIFF header, so
// the header is located first.
func dumpExif(payload []byte) {
	tiffBE := []byte{'M', 'M', 0, 42}
	tiffLE := []byte{'I', 'I', 42, 0}
	start := -1
	for i := 0; i+4 <= len(payload); i++ {
		if bytes.Equal(payload[i:i+4], tiffBE) || bytes.Equal(payload[i:i+4], tiffLE) {
			start = i
			break
		}
	}
	if start < 0 {
		fmt.Printf("  (no TIFF header found in EXIF payload)\n")
		return
	}
	x, err := exif.Decode(bytes.NewReader(payload[start:]))
	if err != nil {
		fmt.Printf("  (unparsable EXIF payload: %v)\n", err)
		return
	}
	x.Walk(exifPrinter{})
}

type exifPrinter struct{}

func (exifPrinter) Walk(name exif.FieldName, tag *tiff.Tag) error {
	fmt.Printf("  %-28s %s\n", name, tag)
	return nil
}

// --- dec ---

func runDec(args []string) error {
	fs := flag.NewFlagSet("dec", flag.ContinueOnError)
	output := fs.String("o", "", `output path (default: <input>.png, "-" for stdout)`)
	frame := fs.Int("frame", 0, "frame index to decode (sequences)")
	progressive := fs.Bool("progressive", false, "expose progressive layers as frames")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("dec: missing input file")
	}
	inputPath := fs.Arg(0)

	data, err := readInput(inputPath)
	if err != nil {
		return err
	}

	decoder := avif.NewDecoder()
	defer decoder.Close()
	decoder.AllowProgressive = *progressive
	decoder.SetIOMemory(data)
	if err := decoder.Parse(); err != nil {
		return fmt.Errorf("dec: %w", err)
	}
	if err := decoder.NthImage(*frame); err != nil {
		if diagMsg := decoder.Diag(); diagMsg != "" {
			return fmt.Errorf("dec: %w (%s)", err, diagMsg)
		}
		return fmt.Errorf("dec: %w", err)
	}

	img, err := avifImageToStd(decoder.Image)
	if err != nil {
		return fmt.Errorf("dec: %w", err)
	}

	outPath := *output
	if outPath == "" {
		outPath = strings.TrimSuffix(inputPath, ".avif") + ".png"
	}
	out, err := openOutput(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	return png.Encode(out, img)
}

// avifImageToStd adopts decoded planes as a standard image for PNG
// encoding.
func avifImageToStd(img *avif.Image) (image.Image, error) {
	if img.Depth != 8 {
		return nil, fmt.Errorf("%d-bit output is not representable as PNG without conversion", img.Depth)
	}
	rect := image.Rect(0, 0, img.Width, img.Height)
	if img.YUVFormat == avif.PixelFormatYUV400 {
		return &image.Gray{Pix: img.YUVPlanes[avif.ChanY], Stride: img.YUVRowBytes[avif.ChanY], Rect: rect}, nil
	}
	var ratio image.YCbCrSubsampleRatio
	switch img.YUVFormat {
	case avif.PixelFormatYUV444:
		ratio = image.YCbCrSubsampleRatio444
	case avif.PixelFormatYUV422:
		ratio = image.YCbCrSubsampleRatio422
	case avif.PixelFormatYUV420:
		ratio = image.YCbCrSubsampleRatio420
	default:
		return nil, fmt.Errorf("unsupported pixel format")
	}
	ycbcr := image.YCbCr{
		Y:              img.YUVPlanes[avif.ChanY],
		Cb:             img.YUVPlanes[avif.ChanU],
		Cr:             img.YUVPlanes[avif.ChanV],
		YStride:        img.YUVRowBytes[avif.ChanY],
		CStride:        img.YUVRowBytes[avif.ChanU],
		SubsampleRatio: ratio,
		Rect:           rect,
	}
	if img.AlphaPlane != nil {
		return &image.NYCbCrA{YCbCr: ycbcr, A: img.AlphaPlane, AStride: img.AlphaRowBytes}, nil
	}
	return &ycbcr, nil
}

// --- enc ---

func runEnc(args []string) error {
	fs := flag.NewFlagSet("enc", flag.ContinueOnError)
	output := fs.String("o", "", `output path (default: <input>.avif, "-" for stdout)`)
	speed := fs.Int("s", avif.SpeedDefault, "encoder speed (codec specific, -1=default)")
	minQ := fs.Int("min", 0, "min quantizer 0-63")
	maxQ := fs.Int("max", 10, "max quantizer 0-63")
	jobs := fs.Int("j", 1, "max backend threads")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("enc: missing input file")
	}
	inputPath := fs.Arg(0)

	data, err := readInput(inputPath)
	if err != nil {
		return err
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("enc: decoding input: %w", err)
	}

	img, err := stdToAvifImage(src)
	if err != nil {
		return fmt.Errorf("enc: %w", err)
	}

	encoder := avif.NewEncoder()
	defer encoder.Close()
	encoder.Speed = *speed
	encoder.MinQuantizer = *minQ
	encoder.MaxQuantizer = *maxQ
	encoder.MaxThreads = *jobs

	out, err := encoder.Write(img)
	if err != nil {
		if diagMsg := encoder.Diag(); diagMsg != "" {
			return fmt.Errorf("enc: %w (%s)", err, diagMsg)
		}
		return fmt.Errorf("enc: %w", err)
	}

	outPath := *output
	if outPath == "" {
		outPath = strings.TrimSuffix(strings.TrimSuffix(inputPath, ".jpg"), ".png") + ".avif"
	}
	w, err := openOutput(outPath)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write(out)
	return err
}

// stdToAvifImage adopts a standard library image's planes without colour
// conversion. YCbCr (JPEG) and Gray inputs map directly; RGB inputs need an
// external reformatter and are rejected.
func stdToAvifImage(src image.Image) (*avif.Image, error) {
	img := avif.NewImage()
	img.Depth = 8

	switch s := src.(type) {
	case *image.YCbCr:
		img.Width = s.Rect.Dx()
		img.Height = s.Rect.Dy()
		switch s.SubsampleRatio {
		case image.YCbCrSubsampleRatio444:
			img.YUVFormat = avif.PixelFormatYUV444
		case image.YCbCrSubsampleRatio422:
			img.YUVFormat = avif.PixelFormatYUV422
		case image.YCbCrSubsampleRatio420:
			img.YUVFormat = avif.PixelFormatYUV420
		default:
			return nil, fmt.Errorf("unsupported YCbCr subsampling %v", s.SubsampleRatio)
		}
		img.YUVRange = avif.RangeFull
		img.YUVPlanes[avif.ChanY] = s.Y
		img.YUVPlanes[avif.ChanU] = s.Cb
		img.YUVPlanes[avif.ChanV] = s.Cr
		img.YUVRowBytes[avif.ChanY] = s.YStride
		img.YUVRowBytes[avif.ChanU] = s.CStride
		img.YUVRowBytes[avif.ChanV] = s.CStride
		return img, nil

	case *image.Gray:
		img.Width = s.Rect.Dx()
		img.Height = s.Rect.Dy()
		img.YUVFormat = avif.PixelFormatYUV400
		img.YUVRange = avif.RangeFull
		img.YUVPlanes[avif.ChanY] = s.Pix
		img.YUVRowBytes[avif.ChanY] = s.Stride
		return img, nil

	default:
		return nil, fmt.Errorf("input decodes to %T; RGB to YUV conversion requires an external reformatter", src)
	}
}
