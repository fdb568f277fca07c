package avif

import (
	"math"

	"github.com/deepteams/avif/internal/bmff"
)

// decodeInput is the ordered sample plan for one tile, plus the flags the
// codec needs when opening.
type decodeInput struct {
	samples   []DecodeSample
	allLayers bool // decode all spatial layers, not just the base
	alpha     bool // this input feeds an alpha tile
}

// fillFromSampleTable translates a track's sample table into decode samples:
// one sample per table entry, walking chunks in order with cumulative
// offsets.
func (in *decodeInput) fillFromSampleTable(table *bmff.SampleTable, imageCountLimit uint32, sizeHint uint64, dg *diag) error {
	if imageCountLimit > 0 {
		// Verify up front that the file doesn't exceed the frame count limit.
		imageCountLeft := imageCountLimit
		for chunkIndex := range table.Chunks {
			sampleCount := table.SampleCountOfChunk(uint32(chunkIndex))
			if sampleCount == 0 {
				dg.printf("sample table contains a chunk with 0 samples")
				return ResultBMFFParseFailed
			}
			if sampleCount > imageCountLeft {
				dg.printf("exceeded image count limit")
				return ResultBMFFParseFailed
			}
			imageCountLeft -= sampleCount
		}
	}

	sampleSizeIndex := 0
	for chunkIndex, chunkOffset := range table.Chunks {
		sampleCount := table.SampleCountOfChunk(uint32(chunkIndex))
		if sampleCount == 0 {
			dg.printf("sample table contains a chunk with 0 samples")
			return ResultBMFFParseFailed
		}

		sampleOffset := chunkOffset
		for i := uint32(0); i < sampleCount; i++ {
			sampleSize := table.AllSamplesSize
			if sampleSize == 0 {
				if sampleSizeIndex >= len(table.SampleSizes) {
					// Ran out of samples to sum.
					dg.printf("truncated sample table")
					return ResultBMFFParseFailed
				}
				sampleSize = table.SampleSizes[sampleSizeIndex]
			}
			if uint64(sampleSize) > math.MaxUint64-sampleOffset {
				dg.printf("sample table contains an overflowing offset/size pair [%d / %d]", sampleOffset, sampleSize)
				return ResultBMFFParseFailed
			}
			if sizeHint > 0 && sampleOffset+uint64(sampleSize) > sizeHint {
				dg.printf("exceeded the IO size hint, possibly truncated data")
				return ResultBMFFParseFailed
			}

			in.samples = append(in.samples, DecodeSample{
				Offset:    sampleOffset,
				Size:      int(sampleSize),
				SpatialID: SpatialIDUnset,
			})
			sampleOffset += uint64(sampleSize)
			sampleSizeIndex++
		}
	}

	// Mark sync samples; indices in stss are 1-based.
	for _, sampleNumber := range table.SyncSamples {
		if frameIndex := int(sampleNumber) - 1; frameIndex >= 0 && frameIndex < len(in.samples) {
			in.samples[frameIndex].Sync = true
		}
	}
	// Frame 0 is sync even when stss is absent.
	if len(in.samples) > 0 {
		in.samples[0].Sync = true
	}
	return nil
}

// fillFromItem translates an item's payload into decode samples, applying
// the a1lx/lsel layer semantics of AVIF layered images.
func (in *decodeInput) fillFromItem(item *bmff.Item, allowProgressive bool, imageCountLimit uint32, sizeHint uint64, dg *diag) error {
	if sizeHint > 0 && uint64(item.Size) > sizeHint {
		dg.printf("exceeded the IO size hint, possibly truncated data")
		return ResultBMFFParseFailed
	}

	layerCount := 0
	var layerSizes [4]int
	a1lxProp := bmff.FindProperty(item.Properties, "a1lx")
	if a1lxProp != nil {
		// Derive all layer sizes from the a1lx box, then validate.
		remaining := item.Size
		for i := 0; i < 3; i++ {
			layerCount++
			layerSize := int(a1lxProp.A1lx.LayerSize[i])
			if layerSize > 0 {
				if layerSize >= remaining { // there must be room for the last layer
					dg.printf("a1lx layer index [%d] does not fit in item size", i)
					return ResultBMFFParseFailed
				}
				layerSizes[i] = layerSize
				remaining -= layerSize
			} else {
				layerSizes[i] = remaining
				remaining = 0
				break
			}
		}
		if remaining > 0 {
			layerCount++
			layerSizes[3] = remaining
		}
	}

	lselProp := bmff.FindProperty(item.Properties, "lsel")
	// Progressive images offer layers via a1lx but don't pick one with lsel.
	item.Progressive = a1lxProp != nil && lselProp == nil

	switch {
	case lselProp != nil:
		// Layer selection: the codec decodes all layers and returns only
		// the requested one, appearing to the caller as a single frame.
		in.allLayers = true

		sampleSize := 0
		if layerCount > 0 {
			if int(lselProp.Lsel.LayerID) >= layerCount {
				dg.printf("lsel requests layer %d but a1lx describes %d layers", lselProp.Lsel.LayerID, layerCount)
				return ResultBMFFParseFailed
			}
			for i := 0; i <= int(lselProp.Lsel.LayerID); i++ {
				sampleSize += layerSizes[i]
			}
		} else {
			// The layer's payload subsection is unknown; use the whole payload.
			sampleSize = item.Size
		}
		in.samples = append(in.samples, DecodeSample{
			ItemID:    item.ID,
			Size:      sampleSize,
			SpatialID: uint8(lselProp.Lsel.LayerID),
			Sync:      true,
		})

	case allowProgressive && item.Progressive:
		// Progressive: expose one frame per layer.
		if imageCountLimit > 0 && uint32(layerCount) > imageCountLimit {
			dg.printf("exceeded image count limit (progressive)")
			return ResultBMFFParseFailed
		}
		in.allLayers = true
		offset := uint64(0)
		for i := 0; i < layerCount; i++ {
			in.samples = append(in.samples, DecodeSample{
				ItemID:    item.ID,
				Offset:    offset,
				Size:      layerSizes[i],
				SpatialID: SpatialIDUnset,
				Sync:      i == 0, // all layers depend on the first
			})
			offset += uint64(layerSizes[i])
		}

	default:
		// Typical case: the whole payload is a single frame.
		in.samples = append(in.samples, DecodeSample{
			ItemID:    item.ID,
			Size:      item.Size,
			SpatialID: SpatialIDUnset,
			Sync:      true,
		})
	}
	return nil
}

// sampleSizesSum is used by tests and invariant checks: for a1lx-derived
// plans the emitted sizes must cover the item exactly.
func (in *decodeInput) sampleSizesSum() int {
	total := 0
	for i := range in.samples {
		total += in.samples[i].Size
	}
	return total
}
