package obu

import (
	"errors"

	"github.com/deepteams/avif/internal/bmff"
)

// ErrNoSequenceHeader is returned when the OBU walk finishes without finding
// a parsable sequence header.
var ErrNoSequenceHeader = errors.New("obu: no sequence header found")

// PixelFormat mirrors the chroma layouts the color config can signal.
type PixelFormat int

const (
	FormatYUV444 PixelFormat = iota
	FormatYUV422
	FormatYUV420
	FormatYUV400
)

// SequenceHeader carries the fields harvested from a sequence header OBU.
// AV1C is filled alongside so that the values can be checked against the
// container's av1C property.
type SequenceHeader struct {
	AV1C bmff.AV1Config

	ReducedStillPictureHeader bool
	MaxWidth                  uint32
	MaxHeight                 uint32

	BitDepth             int
	YUVFormat            PixelFormat
	ChromaSamplePosition uint8

	ColorPrimaries          uint16
	TransferCharacteristics uint16
	MatrixCoefficients      uint16
	FullRange               bool
}

// CICP code points referenced while inferring defaults.
const (
	colorPrimariesBT709          = 1
	colorPrimariesUnspecified    = 2
	transferSRGB                 = 13
	transferUnspecified          = 2
	matrixCoefficientsIdentity   = 0
	matrixCoefficientsUnspecified = 2
)

// Variable names in the field walks below use snake_case to self-document
// from the AV1 spec (https://aomediacodec.github.io/av1-spec/).

func parseSequenceHeaderProfile(b *bits, header *SequenceHeader) bool {
	seq_profile := b.read(3)
	if seq_profile > 2 {
		return false
	}
	header.AV1C.SeqProfile = uint8(seq_profile)
	return !b.err
}

func parseSequenceHeaderLevelIdxAndTier(b *bits, header *SequenceHeader) bool {
	still_picture := b.read(1)
	header.ReducedStillPictureHeader = b.read(1) != 0
	if header.ReducedStillPictureHeader && still_picture == 0 {
		return false
	}

	if header.ReducedStillPictureHeader {
		header.AV1C.SeqLevelIdx0 = uint8(b.read(5))
		header.AV1C.SeqTier0 = 0
		return !b.err
	}

	timing_info_present := b.read(1)
	var decoder_model_info_present uint32
	var buffer_delay_length uint32
	if timing_info_present != 0 { // timing_info()
		b.read(32) // num_units_in_display_tick
		b.read(32) // time_scale
		if b.read(1) != 0 { // equal_picture_interval
			if b.readVLC() == 0xFFFFFFFF { // num_ticks_per_picture_minus_1
				return false
			}
		}
		decoder_model_info_present = b.read(1)
		if decoder_model_info_present != 0 { // decoder_model_info()
			buffer_delay_length = b.read(5) + 1
			b.read(32) // num_units_in_decoding_tick
			b.read(10) // buffer_removal_time_length_minus_1, frame_presentation_time_length_minus_1
		}
	}

	initial_display_delay_present := b.read(1)
	operating_points_cnt := b.read(5) + 1
	for i := uint32(0); i < operating_points_cnt; i++ {
		b.read(12) // operating_point_idc
		seq_level_idx := b.read(5)
		if i == 0 {
			header.AV1C.SeqLevelIdx0 = uint8(seq_level_idx)
			header.AV1C.SeqTier0 = 0
		}
		if seq_level_idx > 7 {
			seq_tier := b.read(1)
			if i == 0 {
				header.AV1C.SeqTier0 = uint8(seq_tier)
			}
		}
		if decoder_model_info_present != 0 {
			if b.read(1) != 0 { // decoder_model_present_for_this_op
				b.read(buffer_delay_length) // decoder_buffer_delay
				b.read(buffer_delay_length) // encoder_buffer_delay
				b.read(1)                   // low_delay_mode_flag
			}
		}
		if initial_display_delay_present != 0 {
			if b.read(1) != 0 {
				b.read(4) // initial_display_delay_minus_1
			}
		}
	}
	return !b.err
}

func parseSequenceHeaderFrameMaxDimensions(b *bits, header *SequenceHeader) bool {
	frame_width_bits := b.read(4) + 1
	frame_height_bits := b.read(4) + 1
	header.MaxWidth = b.read(frame_width_bits) + 1
	header.MaxHeight = b.read(frame_height_bits) + 1
	var frame_id_numbers_present uint32
	if !header.ReducedStillPictureHeader {
		frame_id_numbers_present = b.read(1)
	}
	if frame_id_numbers_present != 0 {
		b.read(7) // delta_frame_id_length_minus_2, additional_frame_id_length_minus_1
	}
	return !b.err
}

func parseSequenceHeaderEnabledFeatures(b *bits, header *SequenceHeader) bool {
	b.read(2) // enable_filter_intra, enable_intra_edge_filter

	if !header.ReducedStillPictureHeader {
		b.read(4) // enable_interintra_compound, enable_masked_compound, enable_warped_motion, enable_dual_filter
		enable_order_hint := b.read(1)
		if enable_order_hint != 0 {
			b.read(2) // enable_jnt_comp, enable_ref_frame_mvs
		}

		var seq_force_screen_content_tools uint32
		if b.read(1) != 0 { // seq_choose_screen_content_tools
			seq_force_screen_content_tools = 2
		} else {
			seq_force_screen_content_tools = b.read(1)
		}
		if seq_force_screen_content_tools > 0 {
			if b.read(1) == 0 { // seq_choose_integer_mv
				b.read(1) // seq_force_integer_mv
			}
		}
		if enable_order_hint != 0 {
			b.read(3) // order_hint_bits_minus_1
		}
	}
	return !b.err
}

func parseColorConfig(b *bits, header *SequenceHeader) bool {
	header.BitDepth = 8
	header.ChromaSamplePosition = 0
	header.AV1C.ChromaSamplePosition = 0

	high_bitdepth := b.read(1)
	header.AV1C.HighBitdepth = high_bitdepth != 0
	if header.AV1C.SeqProfile == 2 && high_bitdepth != 0 {
		twelve_bit := b.read(1)
		if twelve_bit != 0 {
			header.BitDepth = 12
		} else {
			header.BitDepth = 10
		}
		header.AV1C.TwelveBit = twelve_bit != 0
	} else {
		if high_bitdepth != 0 {
			header.BitDepth = 10
		}
		header.AV1C.TwelveBit = false
	}

	var mono_chrome uint32
	if header.AV1C.SeqProfile != 1 {
		mono_chrome = b.read(1)
	}
	header.AV1C.Monochrome = mono_chrome != 0

	if b.read(1) != 0 { // color_description_present_flag
		header.ColorPrimaries = uint16(b.read(8))
		header.TransferCharacteristics = uint16(b.read(8))
		header.MatrixCoefficients = uint16(b.read(8))
	} else {
		header.ColorPrimaries = colorPrimariesUnspecified
		header.TransferCharacteristics = transferUnspecified
		header.MatrixCoefficients = matrixCoefficientsUnspecified
	}

	if mono_chrome != 0 {
		header.FullRange = b.read(1) != 0 // color_range
		header.AV1C.ChromaSubsamplingX = 1
		header.AV1C.ChromaSubsamplingY = 1
		header.YUVFormat = FormatYUV400
	} else if header.ColorPrimaries == colorPrimariesBT709 &&
		header.TransferCharacteristics == transferSRGB &&
		header.MatrixCoefficients == matrixCoefficientsIdentity {
		header.FullRange = true
		header.AV1C.ChromaSubsamplingX = 0
		header.AV1C.ChromaSubsamplingY = 0
		header.YUVFormat = FormatYUV444
	} else {
		var subsampling_x, subsampling_y uint32
		header.FullRange = b.read(1) != 0 // color_range
		switch header.AV1C.SeqProfile {
		case 0:
			subsampling_x, subsampling_y = 1, 1
			header.YUVFormat = FormatYUV420
		case 1:
			header.YUVFormat = FormatYUV444
		case 2:
			if header.BitDepth == 12 {
				subsampling_x = b.read(1)
				if subsampling_x != 0 {
					subsampling_y = b.read(1)
				}
			} else {
				subsampling_x, subsampling_y = 1, 0
			}
			if subsampling_x != 0 {
				if subsampling_y != 0 {
					header.YUVFormat = FormatYUV420
				} else {
					header.YUVFormat = FormatYUV422
				}
			} else {
				header.YUVFormat = FormatYUV444
			}
		default:
			return false
		}

		if subsampling_x != 0 && subsampling_y != 0 {
			header.ChromaSamplePosition = uint8(b.read(2)) // chroma_sample_position
			header.AV1C.ChromaSamplePosition = header.ChromaSamplePosition
		}
		header.AV1C.ChromaSubsamplingX = uint8(subsampling_x)
		header.AV1C.ChromaSubsamplingY = uint8(subsampling_y)
	}

	return !b.err
}

func parseSequenceHeaderOBU(b *bits, header *SequenceHeader) bool {
	if !parseSequenceHeaderProfile(b, header) ||
		!parseSequenceHeaderLevelIdxAndTier(b, header) ||
		!parseSequenceHeaderFrameMaxDimensions(b, header) {
		return false
	}
	b.read(1) // use_128x128_superblock
	if !parseSequenceHeaderEnabledFeatures(b, header) {
		return false
	}
	b.read(3) // enable_superres, enable_cdef, enable_restoration
	if !parseColorConfig(b, header) {
		return false
	}
	if !header.AV1C.Monochrome {
		b.read(1) // separate_uv_delta_q
	}
	b.read(1) // film_grain_params_present
	return !b.err
}

// ParseSequenceHeader walks the OBU stream in sample looking for a sequence
// header OBU (obu_type 1) and parses it. The prefix of a sample is enough:
// the sequence header sits at the very front of a conformant AV1 payload.
func ParseSequenceHeader(sample []byte) (*SequenceHeader, error) {
	obus := sample
	for len(obus) > 0 {
		b := newBits(obus)

		// obu_header()
		if b.read(1) != 0 { // obu_forbidden_bit
			return nil, ErrNoSequenceHeader
		}
		obuType := b.read(4)
		obuExtensionFlag := b.read(1)
		obuHasSizeField := b.read(1)
		b.read(1) // obu_reserved_1bit

		if obuExtensionFlag != 0 { // obu_extension_header()
			b.read(8) // temporal_id, spatial_id, extension_header_reserved_3bits
		}

		var obuSize uint32
		if obuHasSizeField != 0 {
			obuSize = b.readUleb128()
		} else {
			obuSize = uint32(len(obus) - 1 - int(obuExtensionFlag))
		}
		if b.err {
			return nil, ErrNoSequenceHeader
		}

		initBytePos := b.readPos() >> 3
		if int(obuSize) > len(obus)-int(initBytePos) {
			return nil, ErrNoSequenceHeader
		}

		if obuType == 1 { // sequence header
			header := &SequenceHeader{}
			sb := newBits(obus[initBytePos : initBytePos+obuSize])
			if !parseSequenceHeaderOBU(sb, header) {
				return nil, ErrNoSequenceHeader
			}
			return header, nil
		}

		obus = obus[int(obuSize)+int(initBytePos):]
	}
	return nil, ErrNoSequenceHeader
}
