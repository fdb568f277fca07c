package avif

import "fmt"

// PixelFormat enumerates the YUV layouts an AVIF payload can carry.
type PixelFormat int

const (
	PixelFormatNone PixelFormat = iota
	PixelFormatYUV444
	PixelFormatYUV422
	PixelFormatYUV420
	PixelFormatYUV400 // monochrome
)

// String returns the conventional name of the format.
func (f PixelFormat) String() string {
	switch f {
	case PixelFormatYUV444:
		return "YUV444"
	case PixelFormatYUV422:
		return "YUV422"
	case PixelFormatYUV420:
		return "YUV420"
	case PixelFormatYUV400:
		return "YUV400"
	default:
		return "none"
	}
}

// pixelFormatInfo describes the chroma geometry of a PixelFormat.
type pixelFormatInfo struct {
	monochrome   bool
	chromaShiftX int
	chromaShiftY int
}

func formatInfo(f PixelFormat) pixelFormatInfo {
	switch f {
	case PixelFormatYUV422:
		return pixelFormatInfo{chromaShiftX: 1}
	case PixelFormatYUV420:
		return pixelFormatInfo{chromaShiftX: 1, chromaShiftY: 1}
	case PixelFormatYUV400:
		return pixelFormatInfo{monochrome: true, chromaShiftX: 1, chromaShiftY: 1}
	default:
		return pixelFormatInfo{}
	}
}

// Range describes whether YUV values span the full or the studio (limited)
// range.
type Range int

const (
	RangeLimited Range = iota
	RangeFull
)

// Plane channel indices for Image.YUVPlanes.
const (
	ChanY = 0
	ChanU = 1
	ChanV = 2
)

// Planes selects which plane groups an operation applies to.
type Planes int

const (
	PlanesYUV Planes = 1 << iota
	PlanesA

	PlanesAll = PlanesYUV | PlanesA
)

// TransformFlags records which transformative properties are present on an
// image.
type TransformFlags uint32

const (
	TransformNone TransformFlags = 0
	TransformPASP TransformFlags = 1 << iota
	TransformCLAP
	TransformIROT
	TransformIMIR
)

// PixelAspectRatio is the pasp property payload.
type PixelAspectRatio struct {
	HSpacing uint32
	VSpacing uint32
}

// CleanAperture is the clap property payload; all eight fields are 32-bit
// rationals, with the offsets interpreted as signed numerators.
type CleanAperture struct {
	WidthN    uint32
	WidthD    uint32
	HeightN   uint32
	HeightD   uint32
	HorizOffN uint32
	HorizOffD uint32
	VertOffN  uint32
	VertOffD  uint32
}

// ImageRotation is the irot property payload: anti-clockwise rotation in
// 90-degree increments.
type ImageRotation struct {
	Angle uint8 // 0..3
}

// ImageMirror is the imir property payload: 0 mirrors about a horizontal
// axis (top-to-bottom), 1 about a vertical axis (left-to-right).
type ImageMirror struct {
	Axis uint8
}

// Image is a decoded (or to-be-encoded) picture: YUV planes, an optional
// alpha plane, the colour description, and any transformative properties
// carried alongside.
type Image struct {
	Width  int
	Height int
	Depth  int // 8, 10 or 12

	YUVFormat            PixelFormat
	YUVRange             Range
	ChromaSamplePosition uint8
	YUVPlanes            [3][]byte
	YUVRowBytes          [3]int

	AlphaPlane         []byte
	AlphaRowBytes      int
	AlphaRange         Range
	AlphaPremultiplied bool

	// DecoderOwnsPlanes is set while the plane slices alias a codec
	// backend's frame buffer. Such planes are valid only until the backend
	// decodes its next frame; StealPlanes transfers them to another image
	// and is the only promotion from borrowed to owned.
	DecoderOwnsPlanes bool

	// Colour description: an ICC profile, a CICP tuple, or neither.
	ICC                     []byte
	ColorPrimaries          uint16
	TransferCharacteristics uint16
	MatrixCoefficients      uint16

	TransformFlags TransformFlags
	PASP           PixelAspectRatio
	CLAP           CleanAperture
	IROT           ImageRotation
	IMIR           ImageMirror

	Exif []byte
	XMP  []byte
}

// NewImage returns an empty image.
func NewImage() *Image {
	return &Image{}
}

// UsesU16 reports whether plane samples occupy two bytes each.
func (img *Image) UsesU16() bool { return img.Depth > 8 }

func (img *Image) pixelBytes() int {
	if img.UsesU16() {
		return 2
	}
	return 1
}

// AllocatePlanes allocates the selected plane groups according to the
// image's dimensions, depth and format. Previously held planes in the
// selected groups are dropped.
func (img *Image) AllocatePlanes(planes Planes) error {
	if img.Width <= 0 || img.Height <= 0 {
		return ResultNoContent
	}
	pb := img.pixelBytes()
	if planes&PlanesYUV != 0 {
		if img.YUVFormat == PixelFormatNone {
			return ResultNoYUVFormatSelected
		}
		info := formatInfo(img.YUVFormat)
		img.YUVRowBytes[ChanY] = img.Width * pb
		img.YUVPlanes[ChanY] = make([]byte, img.YUVRowBytes[ChanY]*img.Height)
		if !info.monochrome {
			cw := (img.Width + (1 << info.chromaShiftX) - 1) >> info.chromaShiftX
			ch := (img.Height + (1 << info.chromaShiftY) - 1) >> info.chromaShiftY
			for c := ChanU; c <= ChanV; c++ {
				img.YUVRowBytes[c] = cw * pb
				img.YUVPlanes[c] = make([]byte, img.YUVRowBytes[c]*ch)
			}
		} else {
			img.YUVPlanes[ChanU] = nil
			img.YUVPlanes[ChanV] = nil
			img.YUVRowBytes[ChanU] = 0
			img.YUVRowBytes[ChanV] = 0
		}
	}
	if planes&PlanesA != 0 {
		img.AlphaRowBytes = img.Width * pb
		img.AlphaPlane = make([]byte, img.AlphaRowBytes*img.Height)
	}
	return nil
}

// FreePlanes drops the selected plane groups.
func (img *Image) FreePlanes(planes Planes) {
	if planes&PlanesYUV != 0 {
		for c := 0; c < 3; c++ {
			img.YUVPlanes[c] = nil
			img.YUVRowBytes[c] = 0
		}
	}
	if planes&PlanesA != 0 {
		img.AlphaPlane = nil
		img.AlphaRowBytes = 0
	}
}

// StealPlanes moves the selected plane groups from src to img without
// copying, clearing them on src. This is the promotion path from
// backend-borrowed planes to image-owned planes.
func (img *Image) StealPlanes(src *Image, planes Planes) {
	if planes&PlanesYUV != 0 {
		for c := 0; c < 3; c++ {
			img.YUVPlanes[c] = src.YUVPlanes[c]
			img.YUVRowBytes[c] = src.YUVRowBytes[c]
			src.YUVPlanes[c] = nil
			src.YUVRowBytes[c] = 0
		}
		img.YUVFormat = src.YUVFormat
		img.YUVRange = src.YUVRange
	}
	if planes&PlanesA != 0 {
		img.AlphaPlane = src.AlphaPlane
		img.AlphaRowBytes = src.AlphaRowBytes
		src.AlphaPlane = nil
		src.AlphaRowBytes = 0
	}
	img.Width = src.Width
	img.Height = src.Height
	img.Depth = src.Depth
	img.DecoderOwnsPlanes = false
	src.DecoderOwnsPlanes = false
}

// CopyMetadata copies everything except plane data from src.
func (img *Image) CopyMetadata(src *Image) {
	img.Width = src.Width
	img.Height = src.Height
	img.Depth = src.Depth
	img.YUVFormat = src.YUVFormat
	img.YUVRange = src.YUVRange
	img.ChromaSamplePosition = src.ChromaSamplePosition
	img.AlphaRange = src.AlphaRange
	img.AlphaPremultiplied = src.AlphaPremultiplied
	img.ICC = append([]byte(nil), src.ICC...)
	img.ColorPrimaries = src.ColorPrimaries
	img.TransferCharacteristics = src.TransferCharacteristics
	img.MatrixCoefficients = src.MatrixCoefficients
	img.TransformFlags = src.TransformFlags
	img.PASP = src.PASP
	img.CLAP = src.CLAP
	img.IROT = src.IROT
	img.IMIR = src.IMIR
	img.Exif = append([]byte(nil), src.Exif...)
	img.XMP = append([]byte(nil), src.XMP...)
}

// Copy deep-copies src into img, planes included.
func (img *Image) Copy(src *Image, planes Planes) error {
	img.CopyMetadata(src)
	img.FreePlanes(PlanesAll)
	if planes&PlanesYUV != 0 && src.YUVPlanes[ChanY] != nil {
		if err := img.AllocatePlanes(PlanesYUV); err != nil {
			return err
		}
		info := formatInfo(img.YUVFormat)
		planeCount := 3
		if info.monochrome {
			planeCount = 1
		}
		for c := 0; c < planeCount; c++ {
			h := img.Height
			if c > 0 {
				h = (h + (1 << info.chromaShiftY) - 1) >> info.chromaShiftY
			}
			copyPlane(img.YUVPlanes[c], img.YUVRowBytes[c], src.YUVPlanes[c], src.YUVRowBytes[c], h)
		}
	}
	if planes&PlanesA != 0 && src.AlphaPlane != nil {
		if err := img.AllocatePlanes(PlanesA); err != nil {
			return err
		}
		copyPlane(img.AlphaPlane, img.AlphaRowBytes, src.AlphaPlane, src.AlphaRowBytes, img.Height)
	}
	return nil
}

func copyPlane(dst []byte, dstRowBytes int, src []byte, srcRowBytes int, rows int) {
	rowBytes := dstRowBytes
	if srcRowBytes < rowBytes {
		rowBytes = srcRowBytes
	}
	for y := 0; y < rows; y++ {
		copy(dst[y*dstRowBytes:y*dstRowBytes+rowBytes], src[y*srcRowBytes:])
	}
}

// CropRect is an integer pixel rectangle produced from a clean aperture box.
type CropRect struct {
	X      int
	Y      int
	Width  int
	Height int
}

// cropRectFromCleanAperture converts a clap property into a crop rect
// against an imageW x imageH canvas and validates it, including the
// chroma-dependent evenness rules of MIAF. Offsets are signed rationals
// relative to the image centre.
func cropRectFromCleanAperture(clap *CleanAperture, imageW, imageH uint32, format PixelFormat) (CropRect, error) {
	var rect CropRect
	if clap.WidthD == 0 || clap.HeightD == 0 || clap.HorizOffD == 0 || clap.VertOffD == 0 {
		return rect, fmt.Errorf("%w: clap contains a zero denominator", ResultBMFFParseFailed)
	}
	if int32(clap.HorizOffD) <= 0 || int32(clap.VertOffD) <= 0 {
		return rect, fmt.Errorf("%w: clap offset denominator is not positive", ResultBMFFParseFailed)
	}
	if clap.WidthN%clap.WidthD != 0 {
		return rect, fmt.Errorf("%w: clap width %d/%d is not an integer", ResultBMFFParseFailed, clap.WidthN, clap.WidthD)
	}
	if clap.HeightN%clap.HeightD != 0 {
		return rect, fmt.Errorf("%w: clap height %d/%d is not an integer", ResultBMFFParseFailed, clap.HeightN, clap.HeightD)
	}
	clapW := int64(clap.WidthN / clap.WidthD)
	clapH := int64(clap.HeightN / clap.HeightD)

	// cropX = horizOff + (imageW - clapW)/2, computed exactly over the
	// common denominator 2*horizOffD.
	cropX, err := centeredOffset(int64(int32(clap.HorizOffN)), int64(int32(clap.HorizOffD)), int64(imageW), clapW)
	if err != nil {
		return rect, fmt.Errorf("%w: clap horizontal offset", err)
	}
	cropY, err := centeredOffset(int64(int32(clap.VertOffN)), int64(int32(clap.VertOffD)), int64(imageH), clapH)
	if err != nil {
		return rect, fmt.Errorf("%w: clap vertical offset", err)
	}

	if cropX < 0 || cropY < 0 || clapW <= 0 || clapH <= 0 ||
		cropX+clapW > int64(imageW) || cropY+clapH > int64(imageH) {
		return rect, fmt.Errorf("%w: clap rect %d,%d %dx%d is outside the image %dx%d",
			ResultBMFFParseFailed, cropX, cropY, clapW, clapH, imageW, imageH)
	}
	if format == PixelFormatYUV420 || format == PixelFormatYUV422 {
		if cropX&1 != 0 || clapW&1 != 0 {
			return rect, fmt.Errorf("%w: clap horizontal values must be even for %v", ResultBMFFParseFailed, format)
		}
	}
	if format == PixelFormatYUV420 {
		if cropY&1 != 0 || clapH&1 != 0 {
			return rect, fmt.Errorf("%w: clap vertical values must be even for %v", ResultBMFFParseFailed, format)
		}
	}
	rect = CropRect{X: int(cropX), Y: int(cropY), Width: int(clapW), Height: int(clapH)}
	return rect, nil
}

// centeredOffset computes off/offD + (image-clap)/2 and fails unless the
// result is an integer.
func centeredOffset(offN, offD, image, clap int64) (int64, error) {
	num := 2*offN + (image-clap)*offD
	den := 2 * offD
	if num%den != 0 {
		return 0, fmt.Errorf("%w: not an integer", ResultBMFFParseFailed)
	}
	return num / den, nil
}
