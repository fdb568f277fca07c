//go:build avif_avm

package obu

// Experimental AV2 sequence-header parsing, compiled in alongside the avm
// backend. The AV2 OBU list is length-prefixed, the sequence header has its
// own layout, and an optional content-interpretation OBU may override the
// CICP values and chroma sample position afterwards.

const (
	av2OBUSequenceHeader        = 1
	av2OBUContentInterpretation = 14
)

const (
	av2ChromaFormat420 = 0
	av2ChromaFormat400 = 1
	av2ChromaFormat444 = 2
	av2ChromaFormat422 = 3
)

// readRG reads a Rice-Golomb coded value with parameter n.
func (b *bits) readRG(n uint32) uint32 {
	for q := uint32(0); q < 32; q++ {
		if b.read(1) == 0 {
			return q<<n + b.read(n)
		}
	}
	return 0xFFFFFFFF
}

func av2ChromaSamplePosition(v uint32) uint8 {
	switch v {
	case 0: // left: horizontal offset 0, vertical offset 0.5
		return 1
	case 2: // top-left: colocated
		return 2
	default:
		return 0
	}
}

func parseAV2ChromaFormatBitdepth(b *bits, header *SequenceHeader) bool {
	chromaFormatIdc := b.readVLC()

	switch b.readVLC() {
	case 0:
		header.BitDepth = 10
	case 1:
		header.BitDepth = 8
	case 2:
		header.BitDepth = 12
	default:
		return false
	}
	header.AV1C.HighBitdepth = header.BitDepth > 8
	header.AV1C.TwelveBit = header.BitDepth == 12
	header.AV1C.Monochrome = chromaFormatIdc == av2ChromaFormat400

	switch chromaFormatIdc {
	case av2ChromaFormat400, av2ChromaFormat420:
		header.AV1C.ChromaSubsamplingX = 1
		header.AV1C.ChromaSubsamplingY = 1
		if header.AV1C.Monochrome {
			header.YUVFormat = FormatYUV400
		} else {
			header.YUVFormat = FormatYUV420
		}
	case av2ChromaFormat444:
		header.AV1C.ChromaSubsamplingX = 0
		header.AV1C.ChromaSubsamplingY = 0
		header.YUVFormat = FormatYUV444
	case av2ChromaFormat422:
		header.AV1C.ChromaSubsamplingX = 1
		header.AV1C.ChromaSubsamplingY = 0
		header.YUVFormat = FormatYUV422
	default:
		return false
	}
	return !b.err
}

func parseAV2SequenceHeaderOBU(b *bits, header *SequenceHeader) bool {
	if b.readVLC() >= 16 { // seq_header_id
		return false
	}

	if !parseSequenceHeaderProfile(b, header) {
		return false
	}
	header.ReducedStillPictureHeader = b.read(1) != 0 // single_picture_header_flag
	if !header.ReducedStillPictureHeader {
		b.read(3) // seq_lcr_id
		b.read(1) // still_picture
		return false
	}
	header.AV1C.SeqLevelIdx0 = uint8(b.read(5))
	header.AV1C.SeqTier0 = 0

	frameWidthBits := b.read(4) + 1
	frameHeightBits := b.read(4) + 1
	header.MaxWidth = b.read(frameWidthBits) + 1
	header.MaxHeight = b.read(frameHeightBits) + 1

	if b.read(1) != 0 { // conf_window_flag
		b.readVLC() // conf_win_left_offset
		b.readVLC() // conf_win_right_offset
		b.readVLC() // conf_win_top_offset
		b.readVLC() // conf_win_bottom_offset
	}

	if !parseAV2ChromaFormatBitdepth(b, header) {
		return false
	}

	header.ColorPrimaries = colorPrimariesUnspecified
	header.TransferCharacteristics = transferUnspecified
	header.MatrixCoefficients = matrixCoefficientsUnspecified
	header.FullRange = false
	header.ChromaSamplePosition = 0
	header.AV1C.ChromaSamplePosition = 0

	// Remaining fields are irrelevant here.
	return !b.err
}

func parseAV2ContentInterpretation(b *bits, header *SequenceHeader) bool {
	b.read(2)                             // ci_scan_type_idc
	colorDescriptionPresent := b.read(1)  // ci_color_description_present_flag
	chromaPositionPresent := b.read(1)    // ci_chroma_sample_position_present_flag
	b.read(1)                             // ci_aspect_ratio_info_present_flag
	b.read(1)                             // ci_timing_info_present_flag
	b.read(1)                             // ci_extension_present_flag
	b.read(1)                             // reserved_bit

	if colorDescriptionPresent != 0 {
		switch b.readRG(2) { // color_description_idc
		case 0: // explicitly signaled
			header.ColorPrimaries = uint16(b.read(8))
			header.TransferCharacteristics = uint16(b.read(8))
			header.MatrixCoefficients = uint16(b.read(8))
		case 1: // BT.709 SDR
			header.ColorPrimaries = 1
			header.TransferCharacteristics = 1
			header.MatrixCoefficients = 5
		case 2: // BT.2100 PQ
			header.ColorPrimaries = 9
			header.TransferCharacteristics = 16
			header.MatrixCoefficients = 9
		case 3: // BT.2100 HLG
			header.ColorPrimaries = 9
			header.TransferCharacteristics = 14
			header.MatrixCoefficients = 9
		case 4: // sRGB
			header.ColorPrimaries = 1
			header.TransferCharacteristics = 13
			header.MatrixCoefficients = 0
		case 5: // sYCC
			header.ColorPrimaries = 1
			header.TransferCharacteristics = 13
			header.MatrixCoefficients = 5
		case 0xFFFFFFFF:
			return false
		default: // reserved
			header.ColorPrimaries = colorPrimariesUnspecified
			header.TransferCharacteristics = transferUnspecified
			header.MatrixCoefficients = matrixCoefficientsUnspecified
		}
		header.FullRange = b.read(1) != 0 // color_range
	}

	if chromaPositionPresent != 0 {
		header.ChromaSamplePosition = av2ChromaSamplePosition(b.readVLC())
		header.AV1C.ChromaSamplePosition = header.ChromaSamplePosition
	}
	return !b.err
}

// ParseAV2SequenceHeader walks a length-prefixed AV2 OBU list looking for
// the sequence header and an optional content-interpretation OBU.
func ParseAV2SequenceHeader(sample []byte) (*SequenceHeader, error) {
	header := &SequenceHeader{}
	found := false
	obus := sample

	for len(obus) > 0 {
		b := newBits(obus)

		obuSize := b.readUleb128()

		// obu_header()
		extensionFlag := b.read(1)
		obuType := b.read(5)
		b.read(2) // obu_tlayer_id
		if extensionFlag != 0 {
			b.read(8) // obu_mlayer_id, obu_xlayer_id
		}
		if b.err {
			return nil, ErrNoSequenceHeader
		}

		headerSize := 1 + extensionFlag
		if obuSize < headerSize {
			return nil, ErrNoSequenceHeader
		}
		payloadSize := obuSize - headerSize
		initBytePos := b.readPos() >> 3
		if int(payloadSize) > len(obus)-int(initBytePos) {
			return nil, ErrNoSequenceHeader
		}

		switch obuType {
		case av2OBUSequenceHeader:
			if found {
				return nil, ErrNoSequenceHeader
			}
			sb := newBits(obus[initBytePos : initBytePos+payloadSize])
			if !parseAV2SequenceHeaderOBU(sb, header) {
				return nil, ErrNoSequenceHeader
			}
			found = true
		case av2OBUContentInterpretation:
			if !found {
				return nil, ErrNoSequenceHeader
			}
			cb := newBits(obus[initBytePos : initBytePos+payloadSize])
			if !parseAV2ContentInterpretation(cb, header) {
				return nil, ErrNoSequenceHeader
			}
			return header, nil
		}
		obus = obus[int(payloadSize)+int(initBytePos):]
	}
	if !found {
		return nil, ErrNoSequenceHeader
	}
	return header, nil
}
