package avif

import (
	"errors"
	"fmt"

	"github.com/deepteams/avif/internal/bmff"
	"github.com/deepteams/avif/internal/obu"
)

// DefaultImageSizeLimit is the default bound on width*height of any decoded
// item.
const DefaultImageSizeLimit = 16384 * 16384

// DefaultImageCountLimit is the default bound on the number of samples in a
// sequence or progressive layer set (12 hours at 60 fps).
const DefaultImageCountLimit = 12 * 3600 * 60

// alphaURN identifies an auxiliary item as an alpha plane.
const alphaURN = "urn:mpeg:mpegB:cicp:systems:auxiliary:alpha"

// xmpContentType is the infe content type identifying an XMP payload.
const xmpContentType = "application/rdf+xml"

// Top-level parse limits.
const (
	maxTopLevelBoxes = 4096
	// maxBoxContentSize bounds the metadata boxes that are read in full
	// (ftyp, meta, moov); a header declaring more than this aborts the
	// parse instead of attempting the allocation.
	maxBoxContentSize = 1 << 28
)

// DecoderSource selects what a file's frames are decoded from.
type DecoderSource int

const (
	// DecoderSourceAuto honors the ftyp major brand: 'avis' prefers tracks,
	// otherwise the primary item is decoded.
	DecoderSourceAuto DecoderSource = iota
	// DecoderSourcePrimaryItem decodes the still image (meta box).
	DecoderSourcePrimaryItem
	// DecoderSourceTracks decodes the image sequence (moov box).
	DecoderSourceTracks
)

// ProgressiveState reports whether a progressively layered image was found
// and whether its layers are exposed as frames.
type ProgressiveState int

const (
	ProgressiveStateUnavailable ProgressiveState = iota
	ProgressiveStateAvailable
	ProgressiveStateActive
)

// StrictFlags toggles validation steps that reject technically-invalid files
// the lenient path would tolerate.
type StrictFlags uint32

const (
	StrictPixiRequired StrictFlags = 1 << iota
	StrictClapValid
	StrictAlphaIspeRequired

	StrictDisabled StrictFlags = 0
	StrictEnabled              = StrictPixiRequired | StrictClapValid | StrictAlphaIspeRequired
)

// ImageTiming is the presentation timing of one frame.
type ImageTiming struct {
	Timescale            uint64  // timescale of the media (Hz)
	PTS                  float64 // seconds
	PTSInTimescales      uint64
	Duration             float64 // seconds
	DurationInTimescales uint64
}

// IOStats reports coded payload sizes observed while decoding.
type IOStats struct {
	ColorOBUSize int
	AlphaOBUSize int
}

// tile is one codec-decodable unit: the whole image, or one grid cell.
type tile struct {
	input          *decodeInput
	codec          CodecDecoder
	image          *Image
	width          uint32
	height         uint32
	operatingPoint uint8
}

// decoderData is everything Parse materialises; it is rebuilt from scratch
// on every Parse and torn down by Close.
type decoderData struct {
	meta       *bmff.Meta
	tracks     []*bmff.Track
	majorBrand string

	tiles          []*tile
	colorTileCount int
	alphaTileCount int

	colorGrid bmff.ImageGrid
	alphaGrid bmff.ImageGrid

	sourceSampleTable *bmff.SampleTable
	source            DecoderSource
	cicpSet           bool
}

func newDecoderData() *decoderData {
	return &decoderData{meta: bmff.NewMeta()}
}

func (data *decoderData) createTile(width, height uint32, operatingPoint uint8) (*tile, error) {
	t := &tile{
		input:          &decodeInput{},
		image:          NewImage(),
		width:          width,
		height:         height,
		operatingPoint: operatingPoint,
	}
	data.tiles = append(data.tiles, t)
	return t, nil
}

func (data *decoderData) clearTiles() {
	for _, t := range data.tiles {
		if t.codec != nil {
			t.codec.Close()
			t.codec = nil
		}
	}
	data.tiles = nil
	data.colorTileCount = 0
	data.alphaTileCount = 0
}

// Decoder reads an AVIF file through an IO and exposes its frames one at a
// time. Configure the exported fields before calling Parse.
type Decoder struct {
	// CodecChoice selects the decode backend; empty picks any registered
	// codec.
	CodecChoice CodecChoice

	// MaxThreads bounds the worker threads a backend may spawn.
	MaxThreads int

	// RequestedSource picks between the still item and the track sequence.
	RequestedSource DecoderSource

	// AllowProgressive exposes one frame per layer of progressive items.
	AllowProgressive bool

	// ImageSizeLimit bounds width*height of any decoded item. Zero is
	// reserved.
	ImageSizeLimit uint32

	// ImageCountLimit bounds the frame count of sequences and progressive
	// layer sets; zero means unlimited.
	ImageCountLimit uint32

	// StrictFlags toggles strict validation.
	StrictFlags StrictFlags

	// IgnoreExif and IgnoreXMP skip harvesting the respective metadata.
	IgnoreExif bool
	IgnoreXMP  bool

	// Image holds the most recently decoded frame. Valid after a successful
	// NextImage/NthImage until the next call on this decoder.
	Image *Image

	// ImageIndex is the 0-based index of the current frame, -1 before the
	// first NextImage.
	ImageIndex int
	// ImageCount is the number of frames this source will deliver.
	ImageCount int

	ProgressiveState ProgressiveState
	ImageTiming      ImageTiming
	// Timescale is the media timescale of the track (Hz).
	Timescale uint64
	// Duration of the sequence in seconds.
	Duration float64
	// DurationInTimescales is the sequence duration in timescale units.
	DurationInTimescales uint64
	// AlphaPresent reports whether an alpha plane accompanies the frames.
	AlphaPresent bool

	IOStats IOStats

	io     IO
	data   *decoderData
	diag   *diag
	closed bool
}

// NewDecoder returns a decoder with the default configuration.
func NewDecoder() *Decoder {
	return &Decoder{
		MaxThreads:      1,
		ImageSizeLimit:  DefaultImageSizeLimit,
		ImageCountLimit: DefaultImageCountLimit,
		ImageIndex:      -1,
		diag:            &diag{},
	}
}

// SetIO hands the decoder its byte source. The decoder takes ownership and
// closes it on Close.
func (d *Decoder) SetIO(io IO) {
	d.io = io
}

// SetIOMemory reads from the given byte slice.
func (d *Decoder) SetIOMemory(data []byte) {
	d.SetIO(NewMemoryIO(data))
}

// SetIOFile reads from the named file.
func (d *Decoder) SetIOFile(filename string) error {
	fio, err := NewFileIO(filename)
	if err != nil {
		return err
	}
	d.SetIO(fio)
	return nil
}

// Diag returns the sticky diagnostic message of the most recent failure, or
// "".
func (d *Decoder) Diag() string { return d.diag.msg }

// Close releases backend codecs, the meta graph and the IO, in that order.
func (d *Decoder) Close() {
	if d.data != nil {
		d.data.clearTiles()
		d.data = nil
	}
	if d.io != nil && !d.closed {
		d.io.Close()
		d.closed = true
	}
}

// resultFromParseErr collapses the bmff parse outcome sentinels onto the
// public result codes and records the error detail as a diagnostic.
func (d *Decoder) resultFromParseErr(err error) error {
	d.diag.printf("%v", err)
	switch {
	case errors.Is(err, bmff.ErrTruncated):
		return ResultTruncatedData
	case errors.Is(err, bmff.ErrInvalid), errors.Is(err, bmff.ErrAborted):
		return ResultBMFFParseFailed
	default:
		return err
	}
}

// Parse reads the BMFF structure of the file: ftyp, meta and moov. No pixel
// data is decoded. On success the decoder is reset and ready for NextImage.
func (d *Decoder) Parse() error {
	d.diag.clear()

	if d.ImageSizeLimit > DefaultImageSizeLimit || d.ImageSizeLimit == 0 {
		d.diag.printf("unsupported image size limit %d", d.ImageSizeLimit)
		return ResultUnknownError
	}
	if d.io == nil {
		return ResultIONotSet
	}

	d.data = newDecoderData()

	var (
		parseOffset uint64
		boxCount    int
		ftypSeen    bool
		metaSeen    bool
		moovSeen    bool
		needsMeta   bool
		needsMoov   bool
	)
	sizeHint := d.io.SizeHint()

	for {
		if sizeHint > 0 && parseOffset > sizeHint {
			return ResultBMFFParseFailed
		}

		// Read just enough for the next box header (at most 32 bytes).
		headerBytes, err := d.io.Read(0, parseOffset, 32)
		if err != nil {
			return err
		}
		if len(headerBytes) == 0 {
			// Clean end of file.
			break
		}

		boxType, contentSize, headerSize, err := bmff.ParseBoxHeaderPartial(headerBytes)
		if err != nil {
			return d.resultFromParseErr(err)
		}
		parseOffset += uint64(headerSize)

		boxCount++
		if boxCount > maxTopLevelBoxes {
			d.diag.printf("aborted: too many top-level boxes (%d)", boxCount)
			return ResultBMFFParseFailed
		}

		var contents []byte
		switch boxType {
		case "ftyp", "meta", "moov":
			if contentSize > maxBoxContentSize {
				d.diag.printf("aborted: Box[%s] size %d exceeds the box-size sanity limit", boxType, contentSize)
				return ResultBMFFParseFailed
			}
			contents, err = d.io.Read(0, parseOffset, int(contentSize))
			if err != nil {
				return err
			}
			if uint64(len(contents)) != contentSize {
				return ResultTruncatedData
			}
		default:
			// Other boxes (mdat in particular) are skipped unread.
		}
		if contentSize > ^uint64(0)-parseOffset {
			return ResultBMFFParseFailed
		}
		parseOffset += contentSize

		switch boxType {
		case "ftyp":
			if ftypSeen {
				return ResultBMFFParseFailed
			}
			ftyp, err := bmff.ParseFileTypeBox(contents)
			if err != nil {
				return d.resultFromParseErr(err)
			}
			if !ftyp.IsCompatible() {
				return ResultInvalidFtyp
			}
			ftypSeen = true
			// The major brand drives DecoderSourceAuto decisions.
			d.data.majorBrand = ftyp.MajorBrand
			needsMeta = ftyp.HasBrand("avif")
			needsMoov = ftyp.HasBrand("avis")
		case "meta":
			if metaSeen {
				return ResultBMFFParseFailed
			}
			if err := d.data.meta.Parse(contents, 0); err != nil {
				return d.resultFromParseErr(err)
			}
			metaSeen = true
		case "moov":
			if moovSeen {
				return ResultBMFFParseFailed
			}
			tracks, err := bmff.ParseMovieBox(contents, d.ImageSizeLimit, 0)
			if err != nil {
				return d.resultFromParseErr(err)
			}
			d.data.tracks = tracks
			moovSeen = true
		}

		// Early-out once everything the brands demand has been seen.
		if ftypSeen && (!needsMeta || metaSeen) && (!needsMoov || moovSeen) {
			return d.finishParse()
		}
	}

	if !ftypSeen {
		return ResultInvalidFtyp
	}
	if (needsMeta && !metaSeen) || (needsMoov && !moovSeen) {
		return ResultTruncatedData
	}
	return d.finishParse()
}

// finishParse harvests per-item dimensions and resets the decode state.
func (d *Decoder) finishParse() error {
	if err := d.harvestItemDimensions(); err != nil {
		return err
	}
	return d.Reset()
}

// harvestItemDimensions walks the av01/grid items and lifts each item's
// ispe property into its width/height, enforcing the image size limit.
// Non-auxiliary image items without an ispe are invalid; alpha auxiliaries
// without one are tolerated unless StrictAlphaIspeRequired is set.
func (d *Decoder) harvestItemDimensions() error {
	for _, item := range d.data.meta.Items {
		if item.Size == 0 || item.HasUnsupportedEssential {
			continue
		}
		isGrid := item.Type == "grid"
		if item.Type != "av01" && !isGrid {
			continue
		}

		if prop := bmff.FindProperty(item.Properties, "ispe"); prop != nil {
			item.Width = prop.Ispe.Width
			item.Height = prop.Ispe.Height
			if item.Width == 0 || item.Height == 0 {
				d.diag.printf("item ID %d has an invalid size %dx%d", item.ID, item.Width, item.Height)
				return ResultBMFFParseFailed
			}
			if item.Width > d.ImageSizeLimit/item.Height {
				d.diag.printf("item ID %d size is too large %dx%d", item.ID, item.Width, item.Height)
				return ResultBMFFParseFailed
			}
			continue
		}

		auxCProp := bmff.FindProperty(item.Properties, "auxC")
		if auxCProp != nil && auxCProp.AuxC.AuxType == alphaURN {
			if d.StrictFlags&StrictAlphaIspeRequired != 0 {
				d.diag.printf("[strict] alpha auxiliary image item ID %d is missing a mandatory ispe property", item.ID)
				return ResultBMFFParseFailed
			}
		} else {
			d.diag.printf("item ID %d is missing a mandatory ispe property", item.ID)
			return ResultBMFFParseFailed
		}
	}
	return nil
}

// flush drops the backend codec of every tile; ensureCodecs recreates them
// lazily so that decoding resumes at the frame after ImageIndex. Keeping
// codec creation out of Parse/Reset lets container inspection work without
// any backend registered.
func (d *Decoder) flush() {
	for _, t := range d.data.tiles {
		if t.codec != nil {
			t.codec.Close()
			t.codec = nil
		}
	}
}

// ensureCodecs creates and opens a backend codec for every tile that lost
// its instance to a flush (or never had one).
func (d *Decoder) ensureCodecs() error {
	for _, t := range d.data.tiles {
		if t.codec != nil {
			continue
		}
		codec, err := newCodecDecoder(d.CodecChoice)
		if err != nil {
			return err
		}
		if err := codec.Open(d.ImageIndex+1, t.input.allLayers, t.operatingPoint, d.MaxThreads); err != nil {
			codec.Close()
			return fmt.Errorf("%w: %v", ResultNoCodecAvailable, err)
		}
		t.codec = codec
	}
	return nil
}

// Reset rebuilds the decode state from the parsed graphs: selects the
// source, resolves items or tracks into tiles, builds every tile's sample
// plan and harvests colour and transform properties. NextImage then delivers
// frame 0 again.
func (d *Decoder) Reset() error {
	d.diag.clear()

	data := d.data
	if data == nil {
		// Nothing has been parsed yet; nothing to reset.
		return nil
	}

	data.colorGrid = bmff.ImageGrid{}
	data.alphaGrid = bmff.ImageGrid{}
	data.clearTiles()
	data.cicpSet = false

	d.Image = NewImage()
	d.ProgressiveState = ProgressiveStateUnavailable
	d.IOStats = IOStats{}

	data.sourceSampleTable = nil
	if d.RequestedSource == DecoderSourceAuto {
		// A major brand of 'avis' selects tracks; anything else selects
		// the primary item.
		switch {
		case data.majorBrand == "avis":
			data.source = DecoderSourceTracks
		default:
			data.source = DecoderSourcePrimaryItem
		}
	} else {
		data.source = d.RequestedSource
	}

	var colorProperties []bmff.Property
	if data.source == DecoderSourceTracks {
		props, err := d.resetFromTracks()
		if err != nil {
			return err
		}
		colorProperties = props
	} else {
		props, err := d.resetFromItems()
		if err != nil {
			return err
		}
		colorProperties = props
	}

	// Every sample of every tile must have data.
	for _, t := range data.tiles {
		for i := range t.input.samples {
			if t.input.samples[i].Size == 0 {
				return ResultBMFFParseFailed
			}
		}
	}

	// Adopt colr boxes: at most one per colour type (HEIF 6.5.5.1).
	colrICCSeen := false
	colrNCLXSeen := false
	for i := range colorProperties {
		prop := &colorProperties[i]
		if prop.Type != "colr" {
			continue
		}
		if prop.Colr.HasICC {
			if colrICCSeen {
				return ResultBMFFParseFailed
			}
			colrICCSeen = true
			d.Image.ICC = append([]byte(nil), prop.Colr.ICC...)
		}
		if prop.Colr.HasNCLX {
			if colrNCLXSeen {
				return ResultBMFFParseFailed
			}
			colrNCLXSeen = true
			data.cicpSet = true
			d.Image.ColorPrimaries = prop.Colr.ColorPrimaries
			d.Image.TransferCharacteristics = prop.Colr.TransferCharacteristics
			d.Image.MatrixCoefficients = prop.Colr.MatrixCoefficients
			if prop.Colr.FullRange {
				d.Image.YUVRange = RangeFull
			} else {
				d.Image.YUVRange = RangeLimited
			}
		}
	}

	// Transformations.
	if prop := bmff.FindProperty(colorProperties, "pasp"); prop != nil {
		d.Image.TransformFlags |= TransformPASP
		d.Image.PASP = PixelAspectRatio(prop.Pasp)
	}
	if prop := bmff.FindProperty(colorProperties, "clap"); prop != nil {
		d.Image.TransformFlags |= TransformCLAP
		d.Image.CLAP = CleanAperture(prop.Clap)
	}
	if prop := bmff.FindProperty(colorProperties, "irot"); prop != nil {
		d.Image.TransformFlags |= TransformIROT
		d.Image.IROT = ImageRotation(prop.Irot)
	}
	if prop := bmff.FindProperty(colorProperties, "imir"); prop != nil {
		d.Image.TransformFlags |= TransformIMIR
		d.Image.IMIR = ImageMirror{Axis: prop.Imir.Axis}
	}

	// Without an nclx colr box, CICP falls back to the AV1 sequence header,
	// which sits near the front of the first sample. Read successively
	// larger prefixes until it parses.
	if !data.cicpSet && len(data.tiles) > 0 {
		firstTile := data.tiles[0]
		if len(firstTile.input.samples) > 0 {
			sample := &firstTile.input.samples[0]

			const searchSampleChunkIncrement = 64
			const searchSampleSizeMax = 4096
			searchSampleSize := 0
			for {
				searchSampleSize += searchSampleChunkIncrement
				if searchSampleSize > sample.Size {
					searchSampleSize = sample.Size
				}

				sampleBytes, err := d.prepareSample(sample, searchSampleSize)
				if err != nil {
					return err
				}
				if header, err := obu.ParseSequenceHeader(sampleBytes); err == nil {
					data.cicpSet = true
					d.Image.ColorPrimaries = header.ColorPrimaries
					d.Image.TransferCharacteristics = header.TransferCharacteristics
					d.Image.MatrixCoefficients = header.MatrixCoefficients
					if header.FullRange {
						d.Image.YUVRange = RangeFull
					} else {
						d.Image.YUVRange = RangeLimited
					}
					break
				}
				if searchSampleSize == sample.Size || searchSampleSize >= searchSampleSizeMax {
					break
				}
			}
		}
	}

	av1CProp := bmff.FindProperty(colorProperties, "av1C")
	if av1CProp == nil {
		// An av1C box is mandatory in all valid AVIF configurations.
		return ResultBMFFParseFailed
	}
	d.Image.Depth = av1CProp.AV1C.Depth()
	d.Image.YUVFormat = pixelFormatFromAV1C(&av1CProp.AV1C)
	d.Image.ChromaSamplePosition = av1CProp.AV1C.ChromaSamplePosition

	d.flush()
	return nil
}

// resetFromTracks resolves the color and alpha tracks of an image sequence.
func (d *Decoder) resetFromTracks() ([]bmff.Property, error) {
	data := d.data

	var colorTrack *bmff.Track
	for _, track := range data.tracks {
		if track.SampleTable == nil || track.ID == 0 {
			continue
		}
		if len(track.SampleTable.Chunks) == 0 {
			continue
		}
		if !track.SampleTable.HasFormat("av01") {
			continue
		}
		if track.AuxForID != 0 {
			continue
		}
		colorTrack = track
		break
	}
	if colorTrack == nil {
		d.diag.printf("failed to find an AV1 color track")
		return nil, ResultNoContent
	}

	colorProperties := colorTrack.SampleTable.Properties()
	if colorProperties == nil {
		d.diag.printf("failed to find the color track's properties")
		return nil, ResultBMFFParseFailed
	}

	// The color track may carry its own meta box with Exif/XMP items.
	if colorTrack.Meta != nil && len(colorTrack.Meta.Items) > 0 {
		if err := d.findMetadata(colorTrack.Meta, d.Image, 0); err != nil {
			return nil, err
		}
	}

	var alphaTrack *bmff.Track
	for _, track := range data.tracks {
		if track.SampleTable == nil || track.ID == 0 {
			continue
		}
		if len(track.SampleTable.Chunks) == 0 {
			continue
		}
		if !track.SampleTable.HasFormat("av01") {
			continue
		}
		if track.AuxForID == colorTrack.ID {
			alphaTrack = track
			break
		}
	}

	colorTile, err := data.createTile(colorTrack.Width, colorTrack.Height, 0)
	if err != nil {
		return nil, err
	}
	if err := colorTile.input.fillFromSampleTable(colorTrack.SampleTable, d.ImageCountLimit, d.io.SizeHint(), d.diag); err != nil {
		return nil, err
	}
	data.colorTileCount = 1

	if alphaTrack != nil {
		alphaTile, err := data.createTile(alphaTrack.Width, alphaTrack.Height, 0)
		if err != nil {
			return nil, err
		}
		if err := alphaTile.input.fillFromSampleTable(alphaTrack.SampleTable, d.ImageCountLimit, d.io.SizeHint(), d.diag); err != nil {
			return nil, err
		}
		alphaTile.input.alpha = true
		data.alphaTileCount = 1
	}

	// Stash the sample table for timing queries.
	data.sourceSampleTable = colorTrack.SampleTable

	d.ImageIndex = -1
	d.ImageCount = len(colorTile.input.samples)
	d.Timescale = uint64(colorTrack.MediaTimescale)
	d.DurationInTimescales = colorTrack.MediaDuration
	if colorTrack.MediaTimescale != 0 {
		d.Duration = float64(d.DurationInTimescales) / float64(colorTrack.MediaTimescale)
	} else {
		d.Duration = 0
	}
	d.ImageTiming = ImageTiming{}

	d.Image.Width = int(colorTrack.Width)
	d.Image.Height = int(colorTrack.Height)
	d.AlphaPresent = alphaTrack != nil
	d.Image.AlphaPremultiplied = d.AlphaPresent && colorTrack.PremByID == alphaTrack.ID

	return colorProperties, nil
}

// resetFromItems resolves the primary item (and its alpha auxiliary) of a
// still image.
func (d *Decoder) resetFromItems() ([]bmff.Property, error) {
	data := d.data

	if data.meta.PrimaryItemID == 0 {
		// A primary item is required.
		d.diag.printf("primary item not specified")
		return nil, ResultNoAV1ItemsFound
	}

	// Find the color (primary) item.
	var colorItem *bmff.Item
	for _, item := range data.meta.Items {
		if item.Size == 0 || item.HasUnsupportedEssential {
			continue
		}
		isGrid := item.Type == "grid"
		if item.Type != "av01" && !isGrid {
			// Probably Exif or other data.
			continue
		}
		if item.ThumbnailForID != 0 {
			continue
		}
		if item.ID != data.meta.PrimaryItemID {
			continue
		}

		if isGrid {
			gridBytes, err := d.itemRead(item, 0, 0)
			if err != nil {
				return nil, err
			}
			grid, gridErr := bmff.ParseImageGridBox(gridBytes, d.ImageSizeLimit)
			if gridErr != nil {
				d.diag.printf("%v", gridErr)
				return nil, ResultInvalidImageGrid
			}
			data.colorGrid = grid
		}
		colorItem = item
		break
	}
	if colorItem == nil {
		d.diag.printf("primary item not found")
		return nil, ResultNoAV1ItemsFound
	}

	// Find the alpha auxiliary item, if any.
	var alphaItem *bmff.Item
	for _, item := range data.meta.Items {
		if item.Size == 0 || item.HasUnsupportedEssential {
			continue
		}
		isGrid := item.Type == "grid"
		if item.Type != "av01" && !isGrid {
			continue
		}
		auxCProp := bmff.FindProperty(item.Properties, "auxC")
		if auxCProp == nil || auxCProp.AuxC.AuxType != alphaURN || item.AuxForID != colorItem.ID {
			continue
		}
		if isGrid {
			gridBytes, err := d.itemRead(item, 0, 0)
			if err != nil {
				return nil, err
			}
			grid, gridErr := bmff.ParseImageGridBox(gridBytes, d.ImageSizeLimit)
			if gridErr != nil {
				d.diag.printf("%v", gridErr)
				return nil, ResultInvalidImageGrid
			}
			data.alphaGrid = grid
		}
		alphaItem = item
		break
	}

	if err := d.findMetadata(data.meta, d.Image, colorItem.ID); err != nil {
		return nil, err
	}

	// Still images have trivial timing.
	d.ImageIndex = -1
	d.ImageCount = 1
	d.ImageTiming = ImageTiming{
		Timescale:            1,
		Duration:             1,
		DurationInTimescales: 1,
	}
	d.Timescale = 1
	d.Duration = 1
	d.DurationInTimescales = 1

	if data.colorGrid.Rows > 0 && data.colorGrid.Columns > 0 {
		if err := d.generateImageGridTiles(&data.colorGrid, colorItem, false); err != nil {
			return nil, err
		}
		data.colorTileCount = len(data.tiles)
	} else {
		if colorItem.Size == 0 {
			return nil, ResultNoAV1ItemsFound
		}
		colorTile, err := data.createTile(colorItem.Width, colorItem.Height, itemOperatingPoint(colorItem))
		if err != nil {
			return nil, err
		}
		if err := colorTile.input.fillFromItem(colorItem, d.AllowProgressive, d.ImageCountLimit, d.io.SizeHint(), d.diag); err != nil {
			return nil, err
		}
		data.colorTileCount = 1

		if colorItem.Progressive {
			d.ProgressiveState = ProgressiveStateAvailable
			if len(colorTile.input.samples) > 1 {
				d.ProgressiveState = ProgressiveStateActive
				d.ImageCount = len(colorTile.input.samples)
			}
		}
	}

	if alphaItem != nil {
		if (alphaItem.Width != 0 || alphaItem.Height != 0) &&
			(alphaItem.Width != colorItem.Width || alphaItem.Height != colorItem.Height) {
			d.diag.printf("alpha auxiliary image item ID %d is %dx%d but the color item is %dx%d",
				alphaItem.ID, alphaItem.Width, alphaItem.Height, colorItem.Width, colorItem.Height)
			return nil, ResultISPESizeMismatch
		}
		if alphaItem.Width == 0 && alphaItem.Height == 0 {
			// NON-STANDARD: the alpha subimage has no ispe property; adopt
			// the color item's dimensions.
			if d.StrictFlags&StrictAlphaIspeRequired != 0 {
				d.diag.printf("[strict] alpha auxiliary image item ID %d is missing a mandatory ispe property", alphaItem.ID)
				return nil, ResultBMFFParseFailed
			}
			alphaItem.Width = colorItem.Width
			alphaItem.Height = colorItem.Height
		}

		if data.alphaGrid.Rows > 0 && data.alphaGrid.Columns > 0 {
			if err := d.generateImageGridTiles(&data.alphaGrid, alphaItem, true); err != nil {
				return nil, err
			}
			data.alphaTileCount = len(data.tiles) - data.colorTileCount
		} else {
			if alphaItem.Size == 0 {
				return nil, ResultNoAV1ItemsFound
			}
			alphaTile, err := data.createTile(alphaItem.Width, alphaItem.Height, itemOperatingPoint(alphaItem))
			if err != nil {
				return nil, err
			}
			if err := alphaTile.input.fillFromItem(alphaItem, d.AllowProgressive, d.ImageCountLimit, d.io.SizeHint(), d.diag); err != nil {
				return nil, err
			}
			alphaTile.input.alpha = true
			data.alphaTileCount = 1
		}
	}

	d.IOStats.ColorOBUSize = colorItem.Size
	if alphaItem != nil {
		d.IOStats.AlphaOBUSize = alphaItem.Size
	}

	d.Image.Width = int(colorItem.Width)
	d.Image.Height = int(colorItem.Height)
	d.AlphaPresent = alphaItem != nil
	d.Image.AlphaPremultiplied = d.AlphaPresent && colorItem.PremByID == alphaItem.ID

	if err := itemValidateAV1(colorItem, d.StrictFlags, d.diag); err != nil {
		return nil, err
	}
	if alphaItem != nil {
		if err := itemValidateAV1(alphaItem, d.StrictFlags, d.diag); err != nil {
			return nil, err
		}
	}

	return colorItem.Properties, nil
}

// findMetadata harvests Exif and XMP items describing the color item (or,
// with colorID 0, any metadata item of a track-level meta box).
func (d *Decoder) findMetadata(meta *bmff.Meta, image *Image, colorID uint32) error {
	if d.IgnoreExif && d.IgnoreXMP {
		return nil
	}

	for _, item := range meta.Items {
		if item.Size == 0 || item.HasUnsupportedEssential {
			continue
		}
		if colorID > 0 && item.DescForID != colorID {
			// Not a content description of the color item.
			continue
		}

		switch {
		case !d.IgnoreExif && item.Type == "Exif":
			exifContents, err := d.itemRead(item, 0, 0)
			if err != nil {
				return err
			}
			// The payload begins with Annex A.2.1's 4-byte offset to the
			// TIFF header.
			s := bmff.NewReader(exifContents)
			if _, err := s.ReadU32(); err != nil {
				d.diag.printf("item ID %d has an invalid Exif header", item.ID)
				return ResultBMFFParseFailed
			}
			image.Exif = append([]byte(nil), s.Current()...)

		case !d.IgnoreXMP && item.Type == "mime" && item.ContentType == xmpContentType:
			xmpContents, err := d.itemRead(item, 0, 0)
			if err != nil {
				return err
			}
			image.XMP = append([]byte(nil), xmpContents...)
		}
	}
	return nil
}

// prepareSample resolves the bytes a sample needs, reading from the item's
// extents or straight from the IO for track samples. A non-zero
// partialByteCount requests only a prefix. Any ResultWaitingOnIO from the IO
// propagates out with the decoder state untouched, making the caller's
// retry idempotent.
func (d *Decoder) prepareSample(sample *DecodeSample, partialByteCount int) ([]byte, error) {
	if sample.ItemID != 0 {
		item := d.data.meta.FindItem(sample.ItemID)
		if item == nil {
			return nil, ResultBMFFParseFailed
		}
		data, err := d.itemRead(item, int(sample.Offset), partialByteCount)
		if err != nil {
			return nil, err
		}
		if len(data) > sample.Size {
			data = data[:sample.Size]
		}
		return data, nil
	}

	// Track sample: bytes come straight from the file offset.
	size := sample.Size
	if partialByteCount > 0 && partialByteCount < size {
		size = partialByteCount
	}
	if hint := d.io.SizeHint(); hint > 0 && sample.Offset+uint64(sample.Size) > hint {
		d.diag.printf("sample at offset %d exceeds the IO size hint", sample.Offset)
		return nil, ResultBMFFParseFailed
	}
	data, err := d.io.Read(0, sample.Offset, size)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, ResultTruncatedData
	}
	return data, nil
}

// NextImage decodes the next frame into d.Image. All tile samples are
// acquired before any decode call so that a ResultWaitingOnIO return leaves
// the decoder in a state where the call can simply be repeated.
func (d *Decoder) NextImage() error {
	d.diag.clear()

	if d.data == nil {
		// Nothing has been parsed yet.
		return ResultNoContent
	}
	if d.io == nil {
		return ResultIONotSet
	}

	nextImageIndex := d.ImageIndex + 1

	if err := d.ensureCodecs(); err != nil {
		return err
	}

	// Acquire all sample data first.
	sampleBytes := make([][]byte, len(d.data.tiles))
	for tileIndex, t := range d.data.tiles {
		if nextImageIndex >= len(t.input.samples) {
			return ResultNoImagesRemaining
		}
		data, err := d.prepareSample(&t.input.samples[nextImageIndex], 0)
		if err != nil {
			return err
		}
		sampleBytes[tileIndex] = data
	}

	// Decode all tiles now that the sample data is ready.
	for tileIndex, t := range d.data.tiles {
		sample := &t.input.samples[nextImageIndex]
		if err := t.codec.GetNextImage(sample, sampleBytes[tileIndex], t.input.alpha, t.image); err != nil {
			d.diag.printf("codec GetNextImage failed: %v", err)
			if t.input.alpha {
				return ResultDecodeAlphaFailed
			}
			return ResultDecodeColorFailed
		}

		// Scale to this tile's declared dimensions if the codec decoded
		// something else.
		if int(t.width) != t.image.Width || int(t.height) != t.image.Height {
			if err := scaleImage(t.image, int(t.width), int(t.height), d.ImageSizeLimit); err != nil {
				d.diag.printf("scaling decoded tile to %dx%d failed", t.width, t.height)
				if t.input.alpha {
					return ResultDecodeAlphaFailed
				}
				return ResultDecodeColorFailed
			}
		}
	}

	if len(d.data.tiles) != d.data.colorTileCount+d.data.alphaTileCount {
		return ResultUnknownError
	}

	if d.data.colorGrid.Rows > 0 && d.data.colorGrid.Columns > 0 {
		if err := d.fillImageGrid(&d.data.colorGrid, d.Image, 0, d.data.colorTileCount, false); err != nil {
			return err
		}
	} else {
		// Non-grid path: steal the planes from the only color tile.
		if d.data.colorTileCount != 1 {
			d.diag.printf("colorTileCount should be 1 but is %d", d.data.colorTileCount)
			return ResultDecodeColorFailed
		}
		srcColor := d.data.tiles[0].image
		if d.Image.Width != srcColor.Width || d.Image.Height != srcColor.Height || d.Image.Depth != srcColor.Depth {
			d.Image.FreePlanes(PlanesAll)
			d.Image.Width = srcColor.Width
			d.Image.Height = srcColor.Height
			d.Image.Depth = srcColor.Depth
		}
		d.Image.StealPlanes(srcColor, PlanesYUV)
	}

	if d.data.alphaGrid.Rows > 0 && d.data.alphaGrid.Columns > 0 {
		if err := d.fillImageGrid(&d.data.alphaGrid, d.Image, d.data.colorTileCount, d.data.alphaTileCount, true); err != nil {
			return err
		}
	} else if d.data.alphaTileCount == 0 {
		d.Image.FreePlanes(PlanesA)
	} else {
		if d.data.alphaTileCount != 1 {
			d.diag.printf("alphaTileCount should be 1 but is %d", d.data.alphaTileCount)
			return ResultDecodeAlphaFailed
		}
		srcAlpha := d.data.tiles[d.data.colorTileCount].image
		if d.Image.Width != srcAlpha.Width || d.Image.Height != srcAlpha.Height || d.Image.Depth != srcAlpha.Depth {
			d.diag.printf("alpha plane does not match the color plane in width, height or bit depth")
			return ResultColorAlphaSizeMismatch
		}
		// An alpha tile decodes into its luma plane; steal it as the
		// output's alpha plane.
		d.Image.AlphaPlane = srcAlpha.YUVPlanes[ChanY]
		d.Image.AlphaRowBytes = srcAlpha.YUVRowBytes[ChanY]
		d.Image.AlphaRange = srcAlpha.AlphaRange
		srcAlpha.YUVPlanes[ChanY] = nil
		srcAlpha.YUVRowBytes[ChanY] = 0
	}

	d.ImageIndex = nextImageIndex
	if d.data.sourceSampleTable != nil {
		// Decoding from a track: provide timing information.
		timing, err := d.NthImageTiming(nextImageIndex)
		if err != nil {
			return err
		}
		d.ImageTiming = timing
	}
	return nil
}

// NthImageTiming returns the presentation timing of frame frameIndex.
func (d *Decoder) NthImageTiming(frameIndex int) (ImageTiming, error) {
	if d.data == nil {
		return ImageTiming{}, ResultNoContent
	}
	if frameIndex < 0 || frameIndex >= d.ImageCount {
		return ImageTiming{}, ResultNoImagesRemaining
	}
	if d.data.sourceSampleTable == nil {
		// No real timing; hand back the defaults chosen at reset.
		return d.ImageTiming, nil
	}

	timing := ImageTiming{Timescale: d.Timescale}
	for i := 0; i < frameIndex; i++ {
		timing.PTSInTimescales += d.data.sourceSampleTable.ImageDelta(i)
	}
	timing.DurationInTimescales = d.data.sourceSampleTable.ImageDelta(frameIndex)
	if timing.Timescale > 0 {
		timing.PTS = float64(timing.PTSInTimescales) / float64(timing.Timescale)
		timing.Duration = float64(timing.DurationInTimescales) / float64(timing.Timescale)
	}
	return timing, nil
}

// NthImage decodes frame frameIndex into d.Image, seeking back to the
// nearest keyframe and re-decoding forward when needed.
func (d *Decoder) NthImage(frameIndex int) error {
	d.diag.clear()

	if d.data == nil {
		return ResultNoContent
	}
	if frameIndex == d.ImageIndex {
		// Already there.
		return nil
	}
	if frameIndex == d.ImageIndex+1 {
		return d.NextImage()
	}
	if frameIndex < 0 || frameIndex >= d.ImageCount {
		return ResultNoImagesRemaining
	}

	nearestKeyframe := d.NearestKeyframe(frameIndex)
	if nearestKeyframe > d.ImageIndex+1 || frameIndex < d.ImageIndex {
		// A codec flush is necessary: re-seek from the keyframe.
		d.ImageIndex = nearestKeyframe - 1
		d.flush()
	}
	for {
		if err := d.NextImage(); err != nil {
			return err
		}
		if frameIndex == d.ImageIndex {
			return nil
		}
	}
}

// IsKeyframe reports whether frame frameIndex is a sync sample.
func (d *Decoder) IsKeyframe(frameIndex int) bool {
	if d.data == nil || len(d.data.tiles) == 0 {
		return false
	}
	input := d.data.tiles[0].input
	if frameIndex < 0 || frameIndex >= len(input.samples) {
		return false
	}
	return input.samples[frameIndex].Sync
}

// NearestKeyframe scans backward from frameIndex for the first sync sample,
// returning 0 when none is flagged.
func (d *Decoder) NearestKeyframe(frameIndex int) int {
	if d.data == nil {
		return 0
	}
	for ; frameIndex > 0; frameIndex-- {
		if d.IsKeyframe(frameIndex) {
			break
		}
	}
	return frameIndex
}

// NthImageMaxExtent computes the union of byte extents frame frameIndex
// needs across all tiles, for preload planning.
func (d *Decoder) NthImageMaxExtent(frameIndex int) (Extent, error) {
	if d.data == nil {
		return Extent{}, ResultNoContent
	}

	out := Extent{}
	started := false
	for _, t := range d.data.tiles {
		if frameIndex >= len(t.input.samples) {
			return Extent{}, ResultNoImagesRemaining
		}
		sample := &t.input.samples[frameIndex]

		var tileExtent Extent
		if sample.ItemID != 0 {
			item := d.data.meta.FindItem(sample.ItemID)
			if item == nil {
				return Extent{}, ResultBMFFParseFailed
			}
			ext, err := itemMaxExtent(item, sample)
			if err != nil {
				return Extent{}, err
			}
			tileExtent = ext
		} else {
			tileExtent = Extent{Offset: sample.Offset, Size: sample.Size}
		}
		if tileExtent.Size == 0 {
			continue
		}
		if !started {
			out = tileExtent
			started = true
			continue
		}
		minOffset := out.Offset
		maxOffset := out.Offset + uint64(out.Size)
		if tileExtent.Offset < minOffset {
			minOffset = tileExtent.Offset
		}
		if end := tileExtent.Offset + uint64(tileExtent.Size); end > maxOffset {
			maxOffset = end
		}
		out = Extent{Offset: minOffset, Size: int(maxOffset - minOffset)}
	}
	return out, nil
}

// Read parses and decodes the first frame of the source into image.
func (d *Decoder) Read(image *Image) error {
	if err := d.Parse(); err != nil {
		return err
	}
	if err := d.NextImage(); err != nil {
		return err
	}
	return image.Copy(d.Image, PlanesAll)
}

// ReadMemory decodes the first frame of an in-memory AVIF file.
func (d *Decoder) ReadMemory(image *Image, data []byte) error {
	d.diag.clear()
	d.SetIOMemory(data)
	return d.Read(image)
}

// ReadFile decodes the first frame of an AVIF file on disk.
func (d *Decoder) ReadFile(image *Image, filename string) error {
	d.diag.clear()
	if err := d.SetIOFile(filename); err != nil {
		return err
	}
	return d.Read(image)
}
