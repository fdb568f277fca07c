package avif

import (
	"math"

	"github.com/deepteams/avif/internal/bmff"
)

// Extent is a byte span of the underlying IO.
type Extent struct {
	Offset uint64
	Size   int
}

// itemOperatingPoint returns the operating point selected by an a1op
// property, or 0.
func itemOperatingPoint(item *bmff.Item) uint8 {
	if prop := bmff.FindProperty(item.Properties, "a1op"); prop != nil {
		return prop.A1op.OpIndex
	}
	return 0
}

// pixelFormatFromAV1C derives the chroma layout hinted by an av1C property.
func pixelFormatFromAV1C(av1C *bmff.AV1Config) PixelFormat {
	switch {
	case av1C.Monochrome:
		return PixelFormatYUV400
	case av1C.ChromaSubsamplingY == 1:
		return PixelFormatYUV420
	case av1C.ChromaSubsamplingX == 1:
		return PixelFormatYUV422
	default:
		return PixelFormatYUV444
	}
}

// itemValidateAV1 enforces the av1C/pixi/clap consistency rules on an item
// selected for decoding.
func itemValidateAV1(item *bmff.Item, strictFlags StrictFlags, dg *diag) error {
	av1CProp := bmff.FindProperty(item.Properties, "av1C")
	if av1CProp == nil {
		// An av1C box is mandatory in all valid AVIF configurations.
		dg.printf("item ID %d of type '%s' is missing mandatory av1C property", item.ID, item.Type)
		return ResultBMFFParseFailed
	}

	pixiProp := bmff.FindProperty(item.Properties, "pixi")
	if pixiProp == nil && strictFlags&StrictPixiRequired != 0 {
		dg.printf("[strict] item ID %d of type '%s' is missing mandatory pixi property", item.ID, item.Type)
		return ResultBMFFParseFailed
	}
	if pixiProp != nil {
		av1CDepth := av1CProp.AV1C.Depth()
		for i := uint8(0); i < pixiProp.Pixi.PlaneCount; i++ {
			if int(pixiProp.Pixi.PlaneDepths[i]) != av1CDepth {
				dg.printf("item ID %d pixi depth [%d] does not match av1C depth [%d]",
					item.ID, pixiProp.Pixi.PlaneDepths[i], av1CDepth)
				return ResultBMFFParseFailed
			}
		}
	}

	if strictFlags&StrictClapValid != 0 {
		if clapProp := bmff.FindProperty(item.Properties, "clap"); clapProp != nil {
			ispeProp := bmff.FindProperty(item.Properties, "ispe")
			if ispeProp == nil {
				dg.printf("[strict] item ID %d is missing an ispe property, so its clap property cannot be validated", item.ID)
				return ResultBMFFParseFailed
			}
			clap := CleanAperture(clapProp.Clap)
			format := pixelFormatFromAV1C(&av1CProp.AV1C)
			if _, err := cropRectFromCleanAperture(&clap, ispeProp.Ispe.Width, ispeProp.Ispe.Height, format); err != nil {
				dg.printf("[strict] item ID %d has an invalid clap property: %v", item.ID, err)
				return ResultBMFFParseFailed
			}
		}
	}
	return nil
}

// itemMaxExtent computes the smallest single extent spanning all bytes the
// given sample needs, for preload planning. Items stored in idat need no
// file bytes at all.
func itemMaxExtent(item *bmff.Item, sample *DecodeSample) (Extent, error) {
	if len(item.Extents) == 0 {
		return Extent{}, ResultTruncatedData
	}

	if item.IdatStored {
		if len(item.Meta.Idat) > 0 {
			// Already read from the meta box during Parse().
			return Extent{}, nil
		}
		// The meta box never carried an idat box.
		return Extent{}, ResultNoContent
	}

	if sample.Size == 0 {
		return Extent{}, ResultTruncatedData
	}
	remainingOffset := sample.Offset
	remainingBytes := sample.Size // may be smaller than item.Size for layers

	minOffset := uint64(math.MaxUint64)
	maxOffset := uint64(0)
	for i := range item.Extents {
		extent := &item.Extents[i]

		startOffset := extent.Offset
		extentSize := extent.Size
		if remainingOffset > 0 {
			if remainingOffset >= uint64(extentSize) {
				remainingOffset -= uint64(extentSize)
				continue
			}
			startOffset += remainingOffset
			extentSize -= int(remainingOffset)
			remainingOffset = 0
		}

		usedExtentSize := extentSize
		if usedExtentSize > remainingBytes {
			usedExtentSize = remainingBytes
		}
		endOffset := startOffset + uint64(usedExtentSize)
		if startOffset < minOffset {
			minOffset = startOffset
		}
		if endOffset > maxOffset {
			maxOffset = endOffset
		}

		remainingBytes -= usedExtentSize
		if remainingBytes == 0 {
			break
		}
	}
	if remainingBytes != 0 {
		return Extent{}, ResultTruncatedData
	}
	return Extent{Offset: minOffset, Size: int(maxOffset - minOffset)}, nil
}

// itemRead returns readable bytes of item's payload starting at offset. A
// non-zero partialByteCount limits how much is read (progressive layers read
// growing prefixes). The returned slice stays valid until reset.
//
// Extents are merged into an owned contiguous buffer unless a single extent
// can be served from persistent storage (the idat buffer or a persistent
// IO), in which case the bytes are borrowed.
func (d *Decoder) itemRead(item *bmff.Item, offset int, partialByteCount int) ([]byte, error) {
	if item.MergedExtents != nil && !item.PartialMergedExtents {
		// Extents were already merged; serve the request from the buffer.
		if offset >= len(item.MergedExtents) {
			d.diag.printf("item ID %d read has overflowing offset", item.ID)
			return nil, ResultTruncatedData
		}
		return item.MergedExtents[offset:], nil
	}

	if len(item.Extents) == 0 {
		d.diag.printf("item ID %d has zero extents", item.ID)
		return nil, ResultTruncatedData
	}

	// Locate the source of all extents' data for this construction method.
	var idatBuffer []byte
	if item.IdatStored {
		if len(item.Meta.Idat) == 0 {
			d.diag.printf("item ID %d is stored in an idat, but no idat box was found", item.ID)
			return nil, ResultNoContent
		}
		idatBuffer = item.Meta.Idat
	}

	sizeHint := d.io.SizeHint()
	if sizeHint > 0 && uint64(item.Size) > sizeHint {
		d.diag.printf("item ID %d reported size failed the size hint sanity check, truncated data?", item.ID)
		return nil, ResultTruncatedData
	}

	if offset >= item.Size {
		d.diag.printf("item ID %d read has overflowing offset", item.ID)
		return nil, ResultTruncatedData
	}
	maxOutputSize := item.Size - offset
	readOutputSize := maxOutputSize
	if partialByteCount > 0 && partialByteCount < maxOutputSize {
		readOutputSize = partialByteCount
	}
	totalBytesToRead := offset + readOutputSize

	// A single extent served by persistent storage needs no duplication.
	singlePersistentBuffer := len(item.Extents) == 1 && (idatBuffer != nil || d.io.Persistent())
	if !singlePersistentBuffer && !item.OwnsMergedExtents {
		// Allocate the item's full size: progressive decodes keep feeding
		// growing prefixes of this same buffer to the codec, so it must not
		// be reallocated between reads.
		item.MergedExtents = make([]byte, item.Size)
		item.OwnsMergedExtents = true
	}

	item.PartialMergedExtents = true

	written := 0
	remainingBytes := totalBytesToRead
	for i := range item.Extents {
		extent := &item.Extents[i]

		bytesToRead := extent.Size
		if bytesToRead > remainingBytes {
			bytesToRead = remainingBytes
		}

		var extentBytes []byte
		if idatBuffer != nil {
			if extent.Offset > uint64(len(idatBuffer)) {
				d.diag.printf("item ID %d has an impossible extent offset in the idat buffer", item.ID)
				return nil, ResultBMFFParseFailed
			}
			if extent.Size > len(idatBuffer)-int(extent.Offset) {
				d.diag.printf("item ID %d has an impossible extent size in the idat buffer", item.ID)
				return nil, ResultBMFFParseFailed
			}
			extentBytes = idatBuffer[extent.Offset:]
		} else {
			if sizeHint > 0 && extent.Offset > sizeHint {
				d.diag.printf("item ID %d extent offset failed the size hint sanity check, truncated data?", item.ID)
				return nil, ResultBMFFParseFailed
			}
			var err error
			extentBytes, err = d.io.Read(0, extent.Offset, bytesToRead)
			if err != nil {
				return nil, err
			}
			if len(extentBytes) < bytesToRead {
				d.diag.printf("item ID %d tried to read %d bytes, but only received %d", item.ID, bytesToRead, len(extentBytes))
				return nil, ResultTruncatedData
			}
		}

		if singlePersistentBuffer {
			item.MergedExtents = extentBytes[:bytesToRead]
		} else {
			copy(item.MergedExtents[written:], extentBytes[:bytesToRead])
			written += bytesToRead
		}

		remainingBytes -= bytesToRead
		if remainingBytes == 0 {
			break
		}
	}
	if remainingBytes != 0 {
		d.diag.printf("item ID %d has %d unexpected trailing bytes", item.ID, remainingBytes)
		return nil, ResultTruncatedData
	}

	item.PartialMergedExtents = item.Size != totalBytesToRead
	return item.MergedExtents[offset : offset+readOutputSize], nil
}
