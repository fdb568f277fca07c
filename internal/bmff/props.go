package bmff

import "fmt"

// auxTypeSize is the maximum auxC aux_type string length, terminator included.
const auxTypeSize = 64

// contentTypeSize is the maximum infe content_type string length, terminator
// included.
const contentTypeSize = 64

// ImageSpatialExtents is the payload of an ispe property.
type ImageSpatialExtents struct {
	Width  uint32
	Height uint32
}

// PixelInformation is the payload of a pixi property.
type PixelInformation struct {
	PlaneCount  uint8
	PlaneDepths [4]uint8
}

// PixelAspectRatio is the payload of a pasp property.
type PixelAspectRatio struct {
	HSpacing uint32
	VSpacing uint32
}

// CleanAperture is the payload of a clap property: eight 32-bit rational
// fields describing the clean aperture window.
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

// ImageRotation is the payload of an irot property. Angle is in
// anti-clockwise 90-degree increments, 0..3.
type ImageRotation struct {
	Angle uint8
}

// ImageMirror is the payload of an imir property. Axis 0 mirrors top-bottom,
// 1 mirrors left-right.
type ImageMirror struct {
	Axis uint8
}

// ColorInformation is the payload of a colr property. A single colr box
// carries either an ICC profile or an nclx CICP tuple.
type ColorInformation struct {
	HasICC bool
	ICC    []byte

	HasNCLX                 bool
	ColorPrimaries          uint16
	TransferCharacteristics uint16
	MatrixCoefficients      uint16
	FullRange               bool
}

// AV1Config is the payload of an av1C property (the AV1CodecConfigurationBox
// minus its marker/version byte).
type AV1Config struct {
	SeqProfile           uint8
	SeqLevelIdx0         uint8
	SeqTier0             uint8
	HighBitdepth         bool
	TwelveBit            bool
	Monochrome           bool
	ChromaSubsamplingX   uint8
	ChromaSubsamplingY   uint8
	ChromaSamplePosition uint8
}

// Depth returns the bit depth encoded by the high_bitdepth/twelve_bit pair.
func (c *AV1Config) Depth() int {
	if c.TwelveBit {
		return 12
	}
	if c.HighBitdepth {
		return 10
	}
	return 8
}

// AuxiliaryType is the payload of an auxC property.
type AuxiliaryType struct {
	AuxType string
}

// OperatingPointSelector is the payload of an a1op property.
type OperatingPointSelector struct {
	OpIndex uint8
}

// LayerSelector is the payload of an lsel property.
type LayerSelector struct {
	LayerID uint16
}

// LayeredImageIndexing is the payload of an a1lx property. A zero size means
// "remainder of the item".
type LayeredImageIndexing struct {
	LayerSize [3]uint32
}

// Property is one recognised item property, discriminated by Type. Only the
// variant named by Type is meaningful.
type Property struct {
	Type string

	Ispe ImageSpatialExtents
	Pixi PixelInformation
	Pasp PixelAspectRatio
	Clap CleanAperture
	Irot ImageRotation
	Imir ImageMirror
	Colr ColorInformation
	AV1C AV1Config
	AuxC AuxiliaryType
	A1op OperatingPointSelector
	Lsel LayerSelector
	A1lx LayeredImageIndexing
}

// FindProperty returns the first property of the given type, or nil.
func FindProperty(props []Property, propType string) *Property {
	for i := range props {
		if props[i].Type == propType {
			return &props[i]
		}
	}
	return nil
}

func parseImageSpatialExtents(prop *Property, raw []byte) error {
	s := NewReader(raw)
	if err := s.ReadAndEnforceVersion(0); err != nil {
		return fmt.Errorf("%w: Box[ispe]", err)
	}
	var err error
	if prop.Ispe.Width, err = s.ReadU32(); err != nil {
		return err
	}
	if prop.Ispe.Height, err = s.ReadU32(); err != nil {
		return err
	}
	return nil
}

func parseAuxiliaryType(prop *Property, raw []byte) error {
	s := NewReader(raw)
	if err := s.ReadAndEnforceVersion(0); err != nil {
		return fmt.Errorf("%w: Box[auxC]", err)
	}
	auxType, err := s.ReadString(auxTypeSize)
	if err != nil {
		return fmt.Errorf("%w: Box[auxC] aux_type", err)
	}
	prop.AuxC.AuxType = auxType
	return nil
}

func parseColorInformation(prop *Property, raw []byte) error {
	s := NewReader(raw)
	colorType, err := s.Read(4)
	if err != nil {
		return err
	}
	colr := &prop.Colr
	switch string(colorType) {
	case "rICC", "prof":
		colr.HasICC = true
		colr.ICC = s.Current()
	case "nclx":
		if colr.ColorPrimaries, err = s.ReadU16(); err != nil {
			return err
		}
		if colr.TransferCharacteristics, err = s.ReadU16(); err != nil {
			return err
		}
		if colr.MatrixCoefficients, err = s.ReadU16(); err != nil {
			return err
		}
		// unsigned int(1) full_range_flag; unsigned int(7) reserved = 0;
		rangeByte, err := s.ReadU8()
		if err != nil {
			return err
		}
		colr.FullRange = rangeByte&0x80 != 0
		colr.HasNCLX = true
	}
	// Unknown colour types are tolerated and ignored.
	return nil
}

// ParseAV1Config parses a raw AV1CodecConfigurationBox payload.
func ParseAV1Config(raw []byte, av1C *AV1Config) error {
	s := NewReader(raw)
	markerAndVersion, err := s.ReadU8()
	if err != nil {
		return err
	}
	seqProfileAndIndex, err := s.ReadU8()
	if err != nil {
		return err
	}
	rawFlags, err := s.ReadU8()
	if err != nil {
		return err
	}
	if markerAndVersion != 0x81 {
		// marker and version must both be 1
		return fmt.Errorf("%w: av1C illegal marker/version byte 0x%02x", ErrInvalid, markerAndVersion)
	}
	av1C.SeqProfile = seqProfileAndIndex >> 5 & 0x7
	av1C.SeqLevelIdx0 = seqProfileAndIndex & 0x1f
	av1C.SeqTier0 = rawFlags >> 7 & 0x1
	av1C.HighBitdepth = rawFlags>>6&0x1 != 0
	av1C.TwelveBit = rawFlags>>5&0x1 != 0
	av1C.Monochrome = rawFlags>>4&0x1 != 0
	av1C.ChromaSubsamplingX = rawFlags >> 3 & 0x1
	av1C.ChromaSubsamplingY = rawFlags >> 2 & 0x1
	av1C.ChromaSamplePosition = rawFlags & 0x3
	return nil
}

func parsePixelAspectRatio(prop *Property, raw []byte) error {
	s := NewReader(raw)
	var err error
	if prop.Pasp.HSpacing, err = s.ReadU32(); err != nil {
		return err
	}
	if prop.Pasp.VSpacing, err = s.ReadU32(); err != nil {
		return err
	}
	return nil
}

func parseCleanAperture(prop *Property, raw []byte) error {
	s := NewReader(raw)
	fields := []*uint32{
		&prop.Clap.WidthN, &prop.Clap.WidthD,
		&prop.Clap.HeightN, &prop.Clap.HeightD,
		&prop.Clap.HorizOffN, &prop.Clap.HorizOffD,
		&prop.Clap.VertOffN, &prop.Clap.VertOffD,
	}
	for _, f := range fields {
		v, err := s.ReadU32()
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

func parseImageRotation(prop *Property, raw []byte) error {
	s := NewReader(raw)
	angle, err := s.ReadU8()
	if err != nil {
		return err
	}
	if angle&0xfc != 0 {
		// reserved bits must be 0
		return fmt.Errorf("%w: Box[irot] nonzero reserved bits", ErrInvalid)
	}
	prop.Irot.Angle = angle
	return nil
}

func parseImageMirror(prop *Property, raw []byte) error {
	s := NewReader(raw)
	axis, err := s.ReadU8()
	if err != nil {
		return err
	}
	if axis&0xfe != 0 {
		return fmt.Errorf("%w: Box[imir] nonzero reserved bits", ErrInvalid)
	}
	prop.Imir.Axis = axis
	return nil
}

func parsePixelInformation(prop *Property, raw []byte) error {
	s := NewReader(raw)
	if err := s.ReadAndEnforceVersion(0); err != nil {
		return fmt.Errorf("%w: Box[pixi]", err)
	}
	planeCount, err := s.ReadU8()
	if err != nil {
		return err
	}
	if int(planeCount) > len(prop.Pixi.PlaneDepths) {
		return fmt.Errorf("%w: Box[pixi] unsupported plane count %d", ErrInvalid, planeCount)
	}
	prop.Pixi.PlaneCount = planeCount
	for i := uint8(0); i < planeCount; i++ {
		if prop.Pixi.PlaneDepths[i], err = s.ReadU8(); err != nil {
			return err
		}
	}
	return nil
}

func parseOperatingPointSelector(prop *Property, raw []byte) error {
	s := NewReader(raw)
	opIndex, err := s.ReadU8()
	if err != nil {
		return err
	}
	if opIndex > 31 { // AV1's max operating point value
		return fmt.Errorf("%w: Box[a1op] unsupported operating point %d", ErrInvalid, opIndex)
	}
	prop.A1op.OpIndex = opIndex
	return nil
}

func parseLayerSelector(prop *Property, raw []byte) error {
	s := NewReader(raw)
	layerID, err := s.ReadU16()
	if err != nil {
		return err
	}
	if layerID >= maxAV1LayerCount {
		return fmt.Errorf("%w: Box[lsel] unsupported layer %d", ErrInvalid, layerID)
	}
	prop.Lsel.LayerID = layerID
	return nil
}

func parseLayeredImageIndexing(prop *Property, raw []byte) error {
	s := NewReader(raw)
	largeSize, err := s.ReadU8()
	if err != nil {
		return err
	}
	if largeSize&0xfe != 0 {
		return fmt.Errorf("%w: Box[a1lx] nonzero reserved bits", ErrInvalid)
	}
	for i := 0; i < 3; i++ {
		if largeSize != 0 {
			if prop.A1lx.LayerSize[i], err = s.ReadU32(); err != nil {
				return err
			}
		} else {
			size16, err := s.ReadU16()
			if err != nil {
				return err
			}
			prop.A1lx.LayerSize[i] = uint32(size16)
		}
	}
	// Layer sizes are validated later, once the item's size is known.
	return nil
}

// parsePropertyContainer parses an ipco-shaped run of property boxes,
// appending each recognised property to props. Unrecognised property types
// keep their FourCC with an empty payload so that essentiality checks can
// still identify them.
func parsePropertyContainer(props []Property, raw []byte) ([]Property, error) {
	s := NewReader(raw)
	for s.HasBytesLeft(1) {
		header, err := s.ReadBoxHeader()
		if err != nil {
			return props, err
		}
		prop := Property{Type: header.Type}
		body := s.Current()[:header.Size]

		switch header.Type {
		case "ispe":
			err = parseImageSpatialExtents(&prop, body)
		case "auxC":
			err = parseAuxiliaryType(&prop, body)
		case "colr":
			err = parseColorInformation(&prop, body)
		case "av1C":
			err = ParseAV1Config(body, &prop.AV1C)
		case "pasp":
			err = parsePixelAspectRatio(&prop, body)
		case "clap":
			err = parseCleanAperture(&prop, body)
		case "irot":
			err = parseImageRotation(&prop, body)
		case "imir":
			err = parseImageMirror(&prop, body)
		case "pixi":
			err = parsePixelInformation(&prop, body)
		case "a1op":
			err = parseOperatingPointSelector(&prop, body)
		case "lsel":
			err = parseLayerSelector(&prop, body)
		case "a1lx":
			err = parseLayeredImageIndexing(&prop, body)
		}
		if err != nil {
			return props, err
		}
		props = append(props, prop)
		if err := s.Skip(header.Size); err != nil {
			return props, err
		}
	}
	return props, nil
}

// supportedPropertyTypes lists the property FourCCs this package can
// interpret; an essential association with any other type poisons the item.
var supportedPropertyTypes = map[string]bool{
	"ispe": true, "auxC": true, "colr": true, "av1C": true,
	"pasp": true, "clap": true, "irot": true, "imir": true,
	"pixi": true, "a1op": true, "lsel": true, "a1lx": true,
}
