package avif

import (
	"bytes"
	"time"

	"github.com/deepteams/avif/internal/bmff"
)

// Quantizer bounds for Encoder.MinQuantizer and friends.
const (
	QuantizerLossless = 0
	QuantizerBestQuality = 0
	QuantizerWorstQuality = 63
)

// SpeedDefault lets the codec backend pick its own effort level.
const SpeedDefault = -1

// EncoderConfig is the snapshot of encoder settings handed to a codec
// backend for one item's stream. Options is already filtered to the plane
// the backend encodes.
type EncoderConfig struct {
	MaxThreads   int
	Speed        int
	MinQuantizer int
	MaxQuantizer int
	TileRowsLog2 int
	TileColsLog2 int
	Options      map[string]string
}

// encoderItem is one item of the file being written: an AV1 stream (color
// or alpha) or a metadata payload.
type encoderItem struct {
	id              uint16
	itemType        string
	infeName        string
	infeContentType string

	// Exactly one of these is populated: coded samples for av01 items,
	// a raw payload for metadata items.
	codec           CodecEncoder
	samples         []EncodeSample
	metadataPayload []byte

	alpha    bool
	irefToID uint16
	irefType string

	av1C bmff.AV1Config

	ipmaAssociations []ipmaAssociation
	mdatFixups       []int // writer offsets of 32-bit chunk/extent offsets
}

type ipmaAssociation struct {
	index     uint8
	essential bool
}

type encoderData struct {
	items         []*encoderItem
	frameDurations []uint64
	imageMetadata *Image
	colorItem     *encoderItem
	alphaItem     *encoderItem
	primaryItemID uint16
}

func (data *encoderData) createItem(itemType, infeName string) *encoderItem {
	item := &encoderItem{
		id:       uint16(len(data.items) + 1),
		itemType: itemType,
		infeName: infeName,
	}
	data.items = append(data.items, item)
	return item
}

// Encoder builds an AVIF file from one or more frames. Configure the
// exported fields, AddImage each frame, then Finish.
type Encoder struct {
	CodecChoice       CodecChoice
	MaxThreads        int
	Speed             int
	KeyframeInterval  int
	Timescale         uint64 // timescale of the media (Hz)
	MinQuantizer      int
	MaxQuantizer      int
	MinQuantizerAlpha int
	MaxQuantizerAlpha int
	TileRowsLog2      int // [0,6]
	TileColsLog2      int // [0,6]

	// CodecSpecificOptions passes free-form options to the backend; keys
	// may use "color:"/"c:" or "alpha:"/"a:" prefixes to target one plane
	// set.
	CodecSpecificOptions CodecSpecificOptions

	IOStats IOStats

	data *encoderData
	diag *diag
}

// NewEncoder returns an encoder with the default configuration.
func NewEncoder() *Encoder {
	return &Encoder{
		MaxThreads:        1,
		Speed:             SpeedDefault,
		Timescale:         1,
		MinQuantizer:      QuantizerLossless,
		MaxQuantizer:      QuantizerLossless,
		MinQuantizerAlpha: QuantizerLossless,
		MaxQuantizerAlpha: QuantizerLossless,
		data:              &encoderData{imageMetadata: NewImage()},
		diag:              &diag{},
	}
}

// Diag returns the sticky diagnostic message of the most recent failure, or
// "".
func (e *Encoder) Diag() string { return e.diag.msg }

// Close releases the backend encoders.
func (e *Encoder) Close() {
	if e.data == nil {
		return
	}
	for _, item := range e.data.items {
		if item.codec != nil {
			item.codec.Close()
			item.codec = nil
		}
	}
}

func (e *Encoder) config(alpha bool) *EncoderConfig {
	cfg := &EncoderConfig{
		MaxThreads:   e.MaxThreads,
		Speed:        e.Speed,
		MinQuantizer: e.MinQuantizer,
		MaxQuantizer: e.MaxQuantizer,
		TileRowsLog2: clampInt(e.TileRowsLog2, 0, 6),
		TileColsLog2: clampInt(e.TileColsLog2, 0, 6),
		Options:      e.CodecSpecificOptions.planeOptions(alpha),
	}
	if alpha {
		cfg.MinQuantizer = e.MinQuantizerAlpha
		cfg.MaxQuantizer = e.MaxQuantizerAlpha
	}
	return cfg
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// fillConfigBox derives the av1C configuration the backend is expected to
// produce for image.
//
// Profile 0: 8/10-bit 4:2:0 and 4:0:0. Profile 1: 8/10-bit 4:4:4.
// Profile 2: 8/10-bit 4:2:2, and all 12-bit layouts.
func fillConfigBox(image *Image, alpha bool) bmff.AV1Config {
	info := formatInfo(image.YUVFormat)

	var seqProfile uint8
	if image.Depth == 12 {
		seqProfile = 2
	} else if !alpha {
		switch image.YUVFormat {
		case PixelFormatYUV444:
			seqProfile = 1
		case PixelFormatYUV422:
			seqProfile = 2
		}
	}

	// Pick 5.1 when the image fits it, else unconstrained.
	seqLevelIdx0 := uint8(31)
	if image.Width <= 8192 && image.Height <= 4352 && image.Width*image.Height <= 8912896 {
		seqLevelIdx0 = 13
	}

	return bmff.AV1Config{
		SeqProfile:           seqProfile,
		SeqLevelIdx0:         seqLevelIdx0,
		HighBitdepth:         image.Depth > 8,
		TwelveBit:            image.Depth == 12,
		Monochrome:           alpha || image.YUVFormat == PixelFormatYUV400,
		ChromaSubsamplingX:   uint8(info.chromaShiftX),
		ChromaSubsamplingY:   uint8(info.chromaShiftY),
		ChromaSamplePosition: image.ChromaSamplePosition,
	}
}

// isOpaque reports whether every alpha sample of image is fully opaque.
func isOpaque(image *Image) bool {
	if image.AlphaPlane == nil {
		return true
	}
	if image.UsesU16() {
		maxChannel := uint16(1<<image.Depth - 1)
		for y := 0; y < image.Height; y++ {
			row := image.AlphaPlane[y*image.AlphaRowBytes:]
			for x := 0; x < image.Width; x++ {
				v := uint16(row[2*x]) | uint16(row[2*x+1])<<8
				if v != maxChannel {
					return false
				}
			}
		}
		return true
	}
	for y := 0; y < image.Height; y++ {
		row := image.AlphaPlane[y*image.AlphaRowBytes : y*image.AlphaRowBytes+image.Width]
		for _, v := range row {
			if v != 0xff {
				return false
			}
		}
	}
	return true
}

// findExifTiffHeaderOffset scans an Exif payload for its TIFF header.
func findExifTiffHeaderOffset(exif []byte) (uint32, error) {
	tiffHeaderBE := []byte{'M', 'M', 0, 42}
	tiffHeaderLE := []byte{'I', 'I', 42, 0}
	for offset := 0; offset+4 < len(exif); offset++ {
		if bytes.Equal(exif[offset:offset+4], tiffHeaderBE) || bytes.Equal(exif[offset:offset+4], tiffHeaderLE) {
			return uint32(offset), nil
		}
	}
	return 0, ResultInvalidExifPayload
}

// AddImage encodes one frame. For a still image pass
// AddImageFlagSingle; for sequences call once per frame with its duration
// in timescale units.
func (e *Encoder) AddImage(image *Image, durationInTimescales uint64, flags AddImageFlags) error {
	if image.Depth != 8 && image.Depth != 10 && image.Depth != 12 {
		return ResultUnsupportedDepth
	}
	if image.Width == 0 || image.Height == 0 || image.YUVPlanes[ChanY] == nil {
		return ResultNoContent
	}
	if image.YUVFormat == PixelFormatNone {
		return ResultNoYUVFormatSelected
	}
	if err := e.CodecSpecificOptions.validate(); err != nil {
		return err
	}

	if durationInTimescales == 0 {
		durationInTimescales = 1
	}

	if len(e.data.items) == 0 {
		// First frame: copy its metadata (sans pixels) for writing and
		// validation, and create all items.
		e.data.imageMetadata.CopyMetadata(image)

		colorItem := e.data.createItem("av01", "Color")
		codec, err := newCodecEncoder(e.CodecChoice)
		if err != nil {
			return err
		}
		colorItem.codec = codec
		e.data.colorItem = colorItem
		e.data.primaryItemID = colorItem.id

		needsAlpha := image.AlphaPlane != nil
		if flags&AddImageFlagSingle != 0 {
			// A fully opaque alpha plane on a single image can simply be
			// dropped; absence is interpreted as opaque and costs nothing.
			// Sequences keep it: an opaque first frame may fade out later.
			needsAlpha = needsAlpha && !isOpaque(image)
		}
		if needsAlpha {
			alphaItem := e.data.createItem("av01", "Alpha")
			codec, err := newCodecEncoder(e.CodecChoice)
			if err != nil {
				return err
			}
			alphaItem.codec = codec
			alphaItem.alpha = true
			alphaItem.irefToID = e.data.primaryItemID
			alphaItem.irefType = "auxl"
			e.data.alphaItem = alphaItem
		}

		if len(image.Exif) > 0 {
			// Validate the payload and find the TIFF header before
			// committing to an Exif item.
			tiffHeaderOffset, err := findExifTiffHeaderOffset(image.Exif)
			if err != nil {
				return err
			}
			exifItem := e.data.createItem("Exif", "Exif")
			exifItem.irefToID = e.data.primaryItemID
			exifItem.irefType = "cdsc"
			payload := make([]byte, 4+len(image.Exif))
			payload[0] = byte(tiffHeaderOffset >> 24)
			payload[1] = byte(tiffHeaderOffset >> 16)
			payload[2] = byte(tiffHeaderOffset >> 8)
			payload[3] = byte(tiffHeaderOffset)
			copy(payload[4:], image.Exif)
			exifItem.metadataPayload = payload
		}

		if len(image.XMP) > 0 {
			xmpItem := e.data.createItem("mime", "XMP")
			xmpItem.irefToID = e.data.primaryItemID
			xmpItem.irefType = "cdsc"
			xmpItem.infeContentType = xmpContentType
			xmpItem.metadataPayload = append([]byte(nil), image.XMP...)
		}

		// Pre-fill config boxes from the image; the codec may refine them.
		for _, item := range e.data.items {
			if item.codec != nil {
				item.av1C = fillConfigBox(image, item.alpha)
			}
		}
	} else {
		// Another frame of an image sequence.
		if e.data.alphaItem != nil && image.AlphaPlane == nil {
			// Once the first frame carries alpha, every frame must.
			return ResultEncodeAlphaFailed
		}
	}

	if e.KeyframeInterval > 0 && len(e.data.frameDurations)%e.KeyframeInterval == 0 {
		flags |= AddImageFlagForceKeyframe
	}

	for _, item := range e.data.items {
		if item.codec == nil {
			continue
		}
		samples, err := item.codec.EncodeImage(image, e.config(item.alpha), item.alpha, flags)
		if err != nil {
			e.diag.printf("codec EncodeImage failed: %v", err)
			if item.alpha {
				return ResultEncodeAlphaFailed
			}
			return ResultEncodeColorFailed
		}
		item.samples = append(item.samples, samples...)
	}

	e.data.frameDurations = append(e.data.frameDurations, durationInTimescales)
	return nil
}

// Finish flushes the codecs and serialises the complete AVIF file.
func (e *Encoder) Finish() ([]byte, error) {
	if len(e.data.items) == 0 {
		return nil, ResultNoContent
	}

	// Flush lagged codec output and account for it.
	for _, item := range e.data.items {
		if item.codec == nil {
			continue
		}
		samples, err := item.codec.EncodeFinish()
		if err != nil || len(item.samples)+len(samples) != len(e.data.frameDurations) {
			if item.alpha {
				return nil, ResultEncodeAlphaFailed
			}
			return nil, ResultEncodeColorFailed
		}
		item.samples = append(item.samples, samples...)

		obuSize := 0
		for i := range item.samples {
			obuSize += len(item.samples[i].Data)
		}
		if item.alpha {
			e.IOStats.AlphaOBUSize = obuSize
		} else {
			e.IOStats.ColorOBUSize = obuSize
		}
	}

	imageMetadata := e.data.imageMetadata
	sequence := len(e.data.frameDurations) > 1

	// creation_time/modification_time are seconds since 1904-01-01 UTC.
	now := uint64(time.Now().Unix()) + 2082844800

	s := bmff.NewWriter()

	// ftyp
	majorBrand := "avif"
	if sequence {
		majorBrand = "avis"
	}
	ftyp := s.WriteBox("ftyp")
	s.WriteChars(majorBrand) // unsigned int(32) major_brand;
	s.WriteU32(0)            // unsigned int(32) minor_version;
	s.WriteChars("avif")     // unsigned int(32) compatible_brands[];
	if sequence {
		s.WriteChars("avis")
		s.WriteChars("msf1")
	}
	s.WriteChars("mif1")
	s.WriteChars("miaf")
	if imageMetadata.Depth == 8 || imageMetadata.Depth == 10 {
		if imageMetadata.YUVFormat == PixelFormatYUV420 {
			s.WriteChars("MA1B")
		} else if imageMetadata.YUVFormat == PixelFormatYUV444 {
			s.WriteChars("MA1A")
		}
	}
	s.FinishBox(ftyp)

	// meta
	meta := s.WriteFullBox("meta", 0, 0)
	e.writeHdlr(s)

	// pitm
	if e.data.primaryItemID != 0 {
		pitm := s.WriteFullBox("pitm", 0, 0)
		s.WriteU16(e.data.primaryItemID) // unsigned int(16) item_ID;
		s.FinishBox(pitm)
	}

	// iloc: extent offsets are written as zero and fixed up after mdat.
	iloc := s.WriteFullBox("iloc", 0, 0)
	s.WriteU8(0x44) // unsigned int(4) offset_size; unsigned int(4) length_size;
	s.WriteU8(0)    // unsigned int(4) base_offset_size; unsigned int(4) reserved;
	s.WriteU16(uint16(len(e.data.items)))
	for _, item := range e.data.items {
		// For sequences the primary item still points at the first frame,
		// which is guaranteed to be a sync sample, keeping the file a valid
		// single-image avif.
		contentSize := len(item.metadataPayload)
		if len(item.samples) > 0 {
			contentSize = len(item.samples[0].Data)
		}
		s.WriteU16(item.id)                             // unsigned int(16) item_ID;
		s.WriteU16(0)                                   // unsigned int(16) data_reference_index;
		s.WriteU16(1)                                   // unsigned int(16) extent_count;
		item.mdatFixups = append(item.mdatFixups, s.Offset())
		s.WriteU32(0)                                   // unsigned int(32) extent_offset; (set later)
		s.WriteU32(uint32(contentSize))                 // unsigned int(32) extent_length;
	}
	s.FinishBox(iloc)

	// iinf
	iinf := s.WriteFullBox("iinf", 0, 0)
	s.WriteU16(uint16(len(e.data.items)))
	for _, item := range e.data.items {
		e.writeInfe(s, item)
	}
	s.FinishBox(iinf)

	// iref
	var iref bmff.BoxMarker
	irefOpen := false
	for _, item := range e.data.items {
		if item.irefToID == 0 {
			continue
		}
		if !irefOpen {
			iref = s.WriteFullBox("iref", 0, 0)
			irefOpen = true
		}
		refType := s.WriteBox(item.irefType)
		s.WriteU16(item.id)       // unsigned int(16) from_item_ID;
		s.WriteU16(1)             // unsigned int(16) reference_count;
		s.WriteU16(item.irefToID) // unsigned int(16) to_item_ID;
		s.FinishBox(refType)
	}
	if irefOpen {
		s.FinishBox(iref)
	}

	// iprp -> ipco + ipma
	iprp := s.WriteBox("iprp")

	propertyIndex := uint8(0)
	ipco := s.WriteBox("ipco")
	for _, item := range e.data.items {
		item.ipmaAssociations = nil
		if item.codec == nil {
			continue
		}

		// Properties all av01 items carry.
		ispe := s.WriteFullBox("ispe", 0, 0)
		s.WriteU32(uint32(imageMetadata.Width))
		s.WriteU32(uint32(imageMetadata.Height))
		s.FinishBox(ispe)
		propertyIndex++
		item.ipmaAssociations = append(item.ipmaAssociations, ipmaAssociation{index: propertyIndex})

		channelCount := 3
		if item.alpha || imageMetadata.YUVFormat == PixelFormatYUV400 {
			channelCount = 1
		}
		pixi := s.WriteFullBox("pixi", 0, 0)
		s.WriteU8(uint8(channelCount)) // unsigned int(8) num_channels;
		for c := 0; c < channelCount; c++ {
			s.WriteU8(uint8(imageMetadata.Depth)) // unsigned int(8) bits_per_channel;
		}
		s.FinishBox(pixi)
		propertyIndex++
		item.ipmaAssociations = append(item.ipmaAssociations, ipmaAssociation{index: propertyIndex})

		writeConfigBox(s, &item.av1C)
		propertyIndex++
		item.ipmaAssociations = append(item.ipmaAssociations, ipmaAssociation{index: propertyIndex, essential: true})

		if item.alpha {
			auxC := s.WriteFullBox("auxC", 0, 0)
			s.WriteChars(alphaURN) // string aux_type;
			s.WriteU8(0)           // NUL terminator
			s.FinishBox(auxC)
			propertyIndex++
			item.ipmaAssociations = append(item.ipmaAssociations, ipmaAssociation{index: propertyIndex})
		} else {
			e.writeColorProperties(s, imageMetadata, item, &propertyIndex)
		}
	}
	s.FinishBox(ipco)

	ipma := s.WriteFullBox("ipma", 0, 0)
	ipmaCount := 0
	for _, item := range e.data.items {
		if len(item.ipmaAssociations) > 0 {
			ipmaCount++
		}
	}
	s.WriteU32(uint32(ipmaCount)) // unsigned int(32) entry_count;
	for _, item := range e.data.items {
		if len(item.ipmaAssociations) == 0 {
			continue
		}
		s.WriteU16(item.id)                         // unsigned int(16) item_ID;
		s.WriteU8(uint8(len(item.ipmaAssociations))) // unsigned int(8) association_count;
		for _, assoc := range item.ipmaAssociations {
			v := assoc.index
			if assoc.essential {
				v |= 0x80
			}
			s.WriteU8(v) // bit(1) essential; unsigned int(7) property_index;
		}
	}
	s.FinishBox(ipma)

	s.FinishBox(iprp)
	s.FinishBox(meta)

	// moov with one trak per item, when writing a sequence.
	if sequence {
		e.writeMoov(s, now)
	}

	// mdat, two passes: all alpha payloads first, then color. Keeping the
	// small alpha payloads near the front lets partial-download viewers
	// present alpha masks early.
	// (https://github.com/AOMediaCodec/libavif/issues/287)
	mdat := s.WriteBox("mdat")
	for pass := 0; pass < 2; pass++ {
		alphaPass := pass == 0
		for _, item := range e.data.items {
			if len(item.metadataPayload) == 0 && len(item.samples) == 0 {
				continue
			}
			if alphaPass != item.alpha {
				continue
			}

			chunkOffset := uint32(s.Offset())
			if len(item.samples) > 0 {
				for i := range item.samples {
					s.Write(item.samples[i].Data)
				}
			} else {
				s.Write(item.metadataPayload)
			}

			for _, fixup := range item.mdatFixups {
				prev := s.Offset()
				s.SetOffset(fixup)
				s.WriteU32(chunkOffset)
				s.SetOffset(prev)
			}
		}
	}
	s.FinishBox(mdat)

	return s.Bytes(), nil
}

// Write is the single-image convenience: AddImage(image, Single) + Finish.
func (e *Encoder) Write(image *Image) ([]byte, error) {
	if err := e.AddImage(image, 1, AddImageFlagSingle); err != nil {
		return nil, err
	}
	return e.Finish()
}

func (e *Encoder) writeHdlr(s *bmff.Writer) {
	hdlr := s.WriteFullBox("hdlr", 0, 0)
	s.WriteU32(0)          // unsigned int(32) pre_defined = 0;
	s.WriteChars("pict")   // unsigned int(32) handler_type;
	s.WriteZeros(12)       // const unsigned int(32)[3] reserved = 0;
	s.WriteChars("gavif")  // string name;
	s.WriteU8(0)           // NUL terminator
	s.FinishBox(hdlr)
}

func (e *Encoder) writeInfe(s *bmff.Writer, item *encoderItem) {
	infe := s.WriteFullBox("infe", 2, 0)
	s.WriteU16(item.id)        // unsigned int(16) item_ID;
	s.WriteU16(0)              // unsigned int(16) item_protection_index;
	s.WriteChars(item.itemType) // unsigned int(32) item_type;
	s.WriteChars(item.infeName)
	s.WriteU8(0) // string item_name NUL terminator
	if item.infeContentType != "" {
		s.WriteChars(item.infeContentType)
		s.WriteU8(0) // string content_type NUL terminator
	}
	s.FinishBox(infe)
}

// writeColorProperties emits colr plus any transformative properties. With
// a non-nil item the matching ipma associations are recorded; the stsd path
// passes nil and associates nothing.
func (e *Encoder) writeColorProperties(s *bmff.Writer, imageMetadata *Image, item *encoderItem, propertyIndex *uint8) {
	push := func(essential bool) {
		if item != nil && propertyIndex != nil {
			*propertyIndex++
			item.ipmaAssociations = append(item.ipmaAssociations, ipmaAssociation{index: *propertyIndex, essential: essential})
		}
	}

	if len(imageMetadata.ICC) > 0 {
		colr := s.WriteBox("colr")
		s.WriteChars("prof") // unsigned int(32) colour_type;
		s.Write(imageMetadata.ICC)
		s.FinishBox(colr)
		push(false)
	} else {
		colr := s.WriteBox("colr")
		s.WriteChars("nclx")                            // unsigned int(32) colour_type;
		s.WriteU16(imageMetadata.ColorPrimaries)          // unsigned int(16) colour_primaries;
		s.WriteU16(imageMetadata.TransferCharacteristics) // unsigned int(16) transfer_characteristics;
		s.WriteU16(imageMetadata.MatrixCoefficients)      // unsigned int(16) matrix_coefficients;
		if imageMetadata.YUVRange == RangeFull {
			s.WriteU8(0x80) // unsigned int(1) full_range_flag; unsigned int(7) reserved;
		} else {
			s.WriteU8(0)
		}
		s.FinishBox(colr)
		push(false)
	}

	if imageMetadata.TransformFlags&TransformPASP != 0 {
		pasp := s.WriteBox("pasp")
		s.WriteU32(imageMetadata.PASP.HSpacing)
		s.WriteU32(imageMetadata.PASP.VSpacing)
		s.FinishBox(pasp)
		push(false)
	}
	if imageMetadata.TransformFlags&TransformCLAP != 0 {
		clap := s.WriteBox("clap")
		s.WriteU32(imageMetadata.CLAP.WidthN)
		s.WriteU32(imageMetadata.CLAP.WidthD)
		s.WriteU32(imageMetadata.CLAP.HeightN)
		s.WriteU32(imageMetadata.CLAP.HeightD)
		s.WriteU32(imageMetadata.CLAP.HorizOffN)
		s.WriteU32(imageMetadata.CLAP.HorizOffD)
		s.WriteU32(imageMetadata.CLAP.VertOffN)
		s.WriteU32(imageMetadata.CLAP.VertOffD)
		s.FinishBox(clap)
		push(true)
	}
	if imageMetadata.TransformFlags&TransformIROT != 0 {
		irot := s.WriteBox("irot")
		s.WriteU8(imageMetadata.IROT.Angle & 0x3) // unsigned int(6) reserved; unsigned int(2) angle;
		s.FinishBox(irot)
		push(true)
	}
	if imageMetadata.TransformFlags&TransformIMIR != 0 {
		imir := s.WriteBox("imir")
		s.WriteU8(imageMetadata.IMIR.Axis & 0x1) // unsigned int(7) reserved; unsigned int(1) axis;
		s.FinishBox(imir)
		push(true)
	}
}

// writeConfigBox serialises an av1C property.
func writeConfigBox(s *bmff.Writer, cfg *bmff.AV1Config) {
	av1C := s.WriteBox("av1C")

	// unsigned int(1) marker = 1; unsigned int(7) version = 1;
	s.WriteU8(0x80 | 0x1)

	// unsigned int(3) seq_profile; unsigned int(5) seq_level_idx_0;
	s.WriteU8((cfg.SeqProfile&0x7)<<5 | cfg.SeqLevelIdx0&0x1f)

	var bits uint8
	bits |= (cfg.SeqTier0 & 0x1) << 7
	if cfg.HighBitdepth {
		bits |= 1 << 6
	}
	if cfg.TwelveBit {
		bits |= 1 << 5
	}
	if cfg.Monochrome {
		bits |= 1 << 4
	}
	bits |= (cfg.ChromaSubsamplingX & 0x1) << 3
	bits |= (cfg.ChromaSubsamplingY & 0x1) << 2
	bits |= cfg.ChromaSamplePosition & 0x3
	s.WriteU8(bits)

	// unsigned int(3) reserved = 0; unsigned int(1) initial_presentation_delay_present;
	// unsigned int(4) reserved = 0;
	s.WriteU8(0)

	s.FinishBox(av1C)
}

// writeTrackMetaBox writes unassociated metadata items (Exif, XMP) into a
// small meta box inside a trak box; they are implicitly associated with the
// containing track.
func (e *Encoder) writeTrackMetaBox(s *bmff.Writer) {
	metadataItemCount := 0
	for _, item := range e.data.items {
		if item.itemType != "av01" {
			metadataItemCount++
		}
	}
	if metadataItemCount == 0 {
		return
	}

	meta := s.WriteFullBox("meta", 0, 0)
	e.writeHdlr(s)

	iloc := s.WriteFullBox("iloc", 0, 0)
	s.WriteU8(0x44) // unsigned int(4) offset_size; unsigned int(4) length_size;
	s.WriteU8(0)    // unsigned int(4) base_offset_size; unsigned int(4) reserved;
	s.WriteU16(uint16(metadataItemCount))
	for _, item := range e.data.items {
		if item.itemType == "av01" {
			continue
		}
		s.WriteU16(item.id) // unsigned int(16) item_ID;
		s.WriteU16(0)       // unsigned int(16) data_reference_index;
		s.WriteU16(1)       // unsigned int(16) extent_count;
		item.mdatFixups = append(item.mdatFixups, s.Offset())
		s.WriteU32(0)                                // unsigned int(32) extent_offset; (set later)
		s.WriteU32(uint32(len(item.metadataPayload))) // unsigned int(32) extent_length;
	}
	s.FinishBox(iloc)

	iinf := s.WriteFullBox("iinf", 0, 0)
	s.WriteU16(uint16(metadataItemCount))
	for _, item := range e.data.items {
		if item.itemType == "av01" {
			continue
		}
		e.writeInfe(s, item)
	}
	s.FinishBox(iinf)

	s.FinishBox(meta)
}

// writeMoov emits the moov box of an image sequence: one trak per av01
// item, each with a full sample table.
func (e *Encoder) writeMoov(s *bmff.Writer, now uint64) {
	unityMatrix := [9]uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	writeUnityMatrix := func() {
		for _, v := range unityMatrix {
			s.WriteU32(v)
		}
	}

	var durationInTimescales uint64
	for _, d := range e.data.frameDurations {
		durationInTimescales += d
	}

	imageMetadata := e.data.imageMetadata

	moov := s.WriteBox("moov")

	mvhd := s.WriteFullBox("mvhd", 1, 0)
	s.WriteU64(now)                  // unsigned int(64) creation_time;
	s.WriteU64(now)                  // unsigned int(64) modification_time;
	s.WriteU32(uint32(e.Timescale))  // unsigned int(32) timescale;
	s.WriteU64(durationInTimescales) // unsigned int(64) duration;
	s.WriteU32(0x00010000)           // template int(32) rate = 1.0;
	s.WriteU16(0x0100)               // template int(16) volume = full;
	s.WriteU16(0)                    // const bit(16) reserved = 0;
	s.WriteZeros(8)                  // const unsigned int(32)[2] reserved = 0;
	writeUnityMatrix()
	s.WriteZeros(24)                        // bit(32)[6] pre_defined = 0;
	s.WriteU32(uint32(len(e.data.items)))   // unsigned int(32) next_track_ID;
	s.FinishBox(mvhd)

	for itemIndex, item := range e.data.items {
		if len(item.samples) == 0 {
			continue
		}

		syncSamplesCount := uint32(0)
		for i := range item.samples {
			if item.samples[i].Sync {
				syncSamplesCount++
			}
		}

		trak := s.WriteBox("trak")

		tkhd := s.WriteFullBox("tkhd", 1, 1)
		s.WriteU64(now)                     // unsigned int(64) creation_time;
		s.WriteU64(now)                     // unsigned int(64) modification_time;
		s.WriteU32(uint32(itemIndex + 1))   // unsigned int(32) track_ID;
		s.WriteU32(0)                       // const unsigned int(32) reserved = 0;
		s.WriteU64(durationInTimescales)    // unsigned int(64) duration;
		s.WriteZeros(8)                     // const unsigned int(32)[2] reserved = 0;
		s.WriteU16(0)                       // template int(16) layer = 0;
		s.WriteU16(0)                       // template int(16) alternate_group = 0;
		s.WriteU16(0)                       // template int(16) volume = 0;
		s.WriteU16(0)                       // const unsigned int(16) reserved = 0;
		writeUnityMatrix()
		s.WriteU32(uint32(imageMetadata.Width) << 16)  // unsigned int(32) width;
		s.WriteU32(uint32(imageMetadata.Height) << 16) // unsigned int(32) height;
		s.FinishBox(tkhd)

		if item.irefToID != 0 {
			tref := s.WriteBox("tref")
			refType := s.WriteBox(item.irefType)
			s.WriteU32(uint32(item.irefToID))
			s.FinishBox(refType)
			s.FinishBox(tref)
		}

		if !item.alpha {
			// Exif/XMP ride along in a track-level meta box.
			e.writeTrackMetaBox(s)
		}

		mdia := s.WriteBox("mdia")

		mdhd := s.WriteFullBox("mdhd", 1, 0)
		s.WriteU64(now)                  // unsigned int(64) creation_time;
		s.WriteU64(now)                  // unsigned int(64) modification_time;
		s.WriteU32(uint32(e.Timescale))  // unsigned int(32) timescale;
		s.WriteU64(durationInTimescales) // unsigned int(64) duration;
		s.WriteU16(21956)                // bit(1) pad; unsigned int(5)[3] language ("und");
		s.WriteU16(0)                    // unsigned int(16) pre_defined = 0;
		s.FinishBox(mdhd)

		e.writeHdlr(s)

		minf := s.WriteBox("minf")

		vmhd := s.WriteFullBox("vmhd", 0, 1)
		s.WriteU16(0)   // template unsigned int(16) graphicsmode = 0;
		s.WriteZeros(6) // template unsigned int(16)[3] opcolor = {0, 0, 0};
		s.FinishBox(vmhd)

		dinf := s.WriteBox("dinf")
		dref := s.WriteFullBox("dref", 0, 0)
		s.WriteU32(1) // unsigned int(32) entry_count;
		url := s.WriteFullBox("url ", 0, 1) // flags:1 = data in this file
		s.FinishBox(url)
		s.FinishBox(dref)
		s.FinishBox(dinf)

		stbl := s.WriteBox("stbl")

		stco := s.WriteFullBox("stco", 0, 0)
		s.WriteU32(1) // unsigned int(32) entry_count;
		item.mdatFixups = append(item.mdatFixups, s.Offset())
		s.WriteU32(1) // unsigned int(32) chunk_offset; (set later)
		s.FinishBox(stco)

		stsc := s.WriteFullBox("stsc", 0, 0)
		s.WriteU32(1)                          // unsigned int(32) entry_count;
		s.WriteU32(1)                          // unsigned int(32) first_chunk;
		s.WriteU32(uint32(len(item.samples)))  // unsigned int(32) samples_per_chunk;
		s.WriteU32(1)                          // unsigned int(32) sample_description_index;
		s.FinishBox(stsc)

		stsz := s.WriteFullBox("stsz", 0, 0)
		s.WriteU32(0)                         // unsigned int(32) sample_size;
		s.WriteU32(uint32(len(item.samples))) // unsigned int(32) sample_count;
		for i := range item.samples {
			s.WriteU32(uint32(len(item.samples[i].Data))) // unsigned int(32) entry_size;
		}
		s.FinishBox(stsz)

		stss := s.WriteFullBox("stss", 0, 0)
		s.WriteU32(syncSamplesCount) // unsigned int(32) entry_count;
		for i := range item.samples {
			if item.samples[i].Sync {
				s.WriteU32(uint32(i + 1)) // unsigned int(32) sample_number;
			}
		}
		s.FinishBox(stss)

		// stts: runs of equal durations are merged.
		stts := s.WriteFullBox("stts", 0, 0)
		sttsEntryCountOffset := s.Offset()
		sttsEntryCount := uint32(0)
		s.WriteU32(0) // unsigned int(32) entry_count; (set below)
		sampleCount := uint32(0)
		for frameIndex, duration := range e.data.frameDurations {
			sampleCount++
			if frameIndex < len(e.data.frameDurations)-1 &&
				duration == e.data.frameDurations[frameIndex+1] {
				continue
			}
			s.WriteU32(sampleCount)       // unsigned int(32) sample_count;
			s.WriteU32(uint32(duration))  // unsigned int(32) sample_delta;
			sampleCount = 0
			sttsEntryCount++
		}
		prevOffset := s.Offset()
		s.SetOffset(sttsEntryCountOffset)
		s.WriteU32(sttsEntryCount)
		s.SetOffset(prevOffset)
		s.FinishBox(stts)

		stsd := s.WriteFullBox("stsd", 0, 0)
		s.WriteU32(1) // unsigned int(32) entry_count;
		av01 := s.WriteBox("av01")
		s.WriteZeros(6)                             // const unsigned int(8)[6] reserved = 0;
		s.WriteU16(1)                               // unsigned int(16) data_reference_index;
		s.WriteU16(0)                               // unsigned int(16) pre_defined = 0;
		s.WriteU16(0)                               // const unsigned int(16) reserved = 0;
		s.WriteZeros(12)                            // unsigned int(32)[3] pre_defined = 0;
		s.WriteU16(uint16(imageMetadata.Width))     // unsigned int(16) width;
		s.WriteU16(uint16(imageMetadata.Height))    // unsigned int(16) height;
		s.WriteU32(0x00480000)                      // template unsigned int(32) horizresolution;
		s.WriteU32(0x00480000)                      // template unsigned int(32) vertresolution;
		s.WriteU32(0)                               // const unsigned int(32) reserved = 0;
		s.WriteU16(1)                               // template unsigned int(16) frame_count = 1;
		s.WriteChars("\012AOM Coding")              // string[32] compressorname;
		s.WriteZeros(32 - 11)                       //
		s.WriteU16(0x0018)                          // template unsigned int(16) depth = 0x0018;
		s.WriteU16(0xffff)                          // int(16) pre_defined = -1;
		writeConfigBox(s, &item.av1C)
		if !item.alpha {
			e.writeColorProperties(s, imageMetadata, nil, nil)
		}
		s.FinishBox(av01)
		s.FinishBox(stsd)

		s.FinishBox(stbl)
		s.FinishBox(minf)
		s.FinishBox(mdia)
		s.FinishBox(trak)
	}

	s.FinishBox(moov)
}
