package avif

import "github.com/deepteams/avif/internal/bmff"

// generateImageGridTiles enumerates the av01 items referring back to
// gridItem through dimg references, in insertion order, and creates one tile
// per item. The first tile's av1C property is adopted by the grid item so
// that it can be queried like a plain item afterwards.
func (d *Decoder) generateImageGridTiles(grid *bmff.ImageGrid, gridItem *bmff.Item, alpha bool) error {
	tilesRequested := int(grid.Rows) * int(grid.Columns)

	// Count the dimg references first; the count must match exactly.
	tilesAvailable := 0
	for _, item := range gridItem.Meta.Items {
		if item.DimgForID != gridItem.ID {
			continue
		}
		if item.Type != "av01" {
			continue
		}
		if item.HasUnsupportedEssential {
			// A grid can't be decoded if any tile is unsupported.
			d.diag.printf("grid image contains a tile with an unsupported property marked essential")
			return ResultInvalidImageGrid
		}
		tilesAvailable++
	}
	if tilesRequested != tilesAvailable {
		d.diag.printf("grid image of dimensions %dx%d requires %d tiles, found %d",
			grid.Columns, grid.Rows, tilesRequested, tilesAvailable)
		return ResultInvalidImageGrid
	}

	firstTile := true
	for _, item := range gridItem.Meta.Items {
		if item.DimgForID != gridItem.ID || item.Type != "av01" {
			continue
		}

		tile, err := d.data.createTile(item.Width, item.Height, itemOperatingPoint(item))
		if err != nil {
			return err
		}
		if err := tile.input.fillFromItem(item, d.AllowProgressive, d.ImageCountLimit, d.io.SizeHint(), d.diag); err != nil {
			return err
		}
		tile.input.alpha = alpha

		if firstTile {
			firstTile = false

			// Adopt the first tile's av1C so the grid item can be queried
			// as the color/alpha item during reset.
			srcProp := bmff.FindProperty(item.Properties, "av1C")
			if srcProp == nil {
				d.diag.printf("grid image's first tile is missing an av1C property")
				return ResultInvalidImageGrid
			}
			gridItem.Properties = append(gridItem.Properties, *srcProp)

			if !alpha && item.Progressive {
				d.ProgressiveState = ProgressiveStateAvailable
				if len(tile.input.samples) > 1 {
					d.ProgressiveState = ProgressiveStateActive
					d.ImageCount = len(tile.input.samples)
				}
			}
		}
	}
	return nil
}

// fillImageGrid validates tile consistency against the grid and copies each
// decoded tile into its (row, col) cell of dstImage, clipped to the output
// dimensions.
func (d *Decoder) fillImageGrid(grid *bmff.ImageGrid, dstImage *Image, firstTileIndex, tileCount int, alpha bool) error {
	if tileCount == 0 {
		d.diag.printf("cannot fill grid image, no tiles")
		return ResultInvalidImageGrid
	}

	firstTile := d.data.tiles[firstTileIndex]
	first := firstTile.image
	firstUVPresent := first.YUVPlanes[ChanU] != nil && first.YUVPlanes[ChanV] != nil

	// All tiles of a grid must match in every checked property.
	for i := 1; i < tileCount; i++ {
		img := d.data.tiles[firstTileIndex+i].image
		uvPresent := img.YUVPlanes[ChanU] != nil && img.YUVPlanes[ChanV] != nil
		if img.Width != first.Width || img.Height != first.Height ||
			img.Depth != first.Depth || img.YUVFormat != first.YUVFormat ||
			img.YUVRange != first.YUVRange || uvPresent != firstUVPresent ||
			img.ColorPrimaries != first.ColorPrimaries ||
			img.TransferCharacteristics != first.TransferCharacteristics ||
			img.MatrixCoefficients != first.MatrixCoefficients ||
			img.AlphaRange != first.AlphaRange {
			d.diag.printf("grid image contains mismatched tiles")
			return ResultInvalidImageGrid
		}
	}

	// HEIF 6.6.2.3.1: the tiles must completely cover the canvas.
	if uint32(first.Width)*grid.Columns < grid.OutputWidth ||
		uint32(first.Height)*grid.Rows < grid.OutputHeight {
		d.diag.printf("grid image tiles do not completely cover the image")
		return ResultInvalidImageGrid
	}
	// MIAF 7.3.11.4.2: tiles in the rightmost column and bottommost row must
	// overlap the canvas.
	if uint32(first.Width)*(grid.Columns-1) >= grid.OutputWidth ||
		uint32(first.Height)*(grid.Rows-1) >= grid.OutputHeight {
		d.diag.printf("grid image tiles in the last column/row do not overlap the canvas")
		return ResultInvalidImageGrid
	}
	// MIAF 7.3.11.4.2: tile dimensions must be at least 64x64.
	if first.Width < 64 || first.Height < 64 {
		d.diag.printf("grid image tiles are smaller than 64x64 (%dx%d)", first.Width, first.Height)
		return ResultInvalidImageGrid
	}
	if !alpha {
		if first.YUVFormat == PixelFormatYUV420 || first.YUVFormat == PixelFormatYUV422 {
			// Horizontal tile widths and the output width must be even.
			if first.Width&1 != 0 || grid.OutputWidth&1 != 0 {
				d.diag.printf("grid image horizontal tile width [%d] and output width [%d] must be even",
					first.Width, grid.OutputWidth)
				return ResultInvalidImageGrid
			}
		}
		if first.YUVFormat == PixelFormatYUV420 {
			// Vertical tile heights and the output height must be even.
			if first.Height&1 != 0 || grid.OutputHeight&1 != 0 {
				d.diag.printf("grid image vertical tile height [%d] and output height [%d] must be even",
					first.Height, grid.OutputHeight)
				return ResultInvalidImageGrid
			}
		}
	}

	// Lazily adopt the frame's properties; alpha must already match.
	if dstImage.Width != int(grid.OutputWidth) || dstImage.Height != int(grid.OutputHeight) ||
		dstImage.Depth != first.Depth || (!alpha && dstImage.YUVFormat != first.YUVFormat) {
		if alpha {
			d.diag.printf("alpha plane dimensions do not match color plane dimensions")
			return ResultInvalidImageGrid
		}
		dstImage.FreePlanes(PlanesAll)
		dstImage.Width = int(grid.OutputWidth)
		dstImage.Height = int(grid.OutputHeight)
		dstImage.Depth = first.Depth
		dstImage.YUVFormat = first.YUVFormat
		dstImage.YUVRange = first.YUVRange
		if !d.data.cicpSet {
			d.data.cicpSet = true
			dstImage.ColorPrimaries = first.ColorPrimaries
			dstImage.TransferCharacteristics = first.TransferCharacteristics
			dstImage.MatrixCoefficients = first.MatrixCoefficients
		}
	}
	if alpha {
		dstImage.AlphaRange = first.AlphaRange
	}

	which := PlanesYUV
	if alpha {
		which = PlanesA
	}
	if err := dstImage.AllocatePlanes(which); err != nil {
		return err
	}

	info := formatInfo(first.YUVFormat)
	pixelBytes := dstImage.pixelBytes()

	tileIndex := firstTileIndex
	for rowIndex := 0; rowIndex < int(grid.Rows); rowIndex++ {
		for colIndex := 0; colIndex < int(grid.Columns); colIndex, tileIndex = colIndex+1, tileIndex+1 {
			img := d.data.tiles[tileIndex].image

			widthToCopy := first.Width
			if maxX := first.Width * (colIndex + 1); maxX > int(grid.OutputWidth) {
				widthToCopy -= maxX - int(grid.OutputWidth)
			}
			heightToCopy := first.Height
			if maxY := first.Height * (rowIndex + 1); maxY > int(grid.OutputHeight) {
				heightToCopy -= maxY - int(grid.OutputHeight)
			}

			// Y and A channels are copied at full-width strides.
			yaColOffset := colIndex * first.Width
			yaRowOffset := rowIndex * first.Height
			yaRowBytes := widthToCopy * pixelBytes

			if alpha {
				// Alpha tiles decode into their luma plane.
				for j := 0; j < heightToCopy; j++ {
					src := img.YUVPlanes[ChanY][j*img.YUVRowBytes[ChanY]:]
					dst := dstImage.AlphaPlane[yaColOffset*pixelBytes+(yaRowOffset+j)*dstImage.AlphaRowBytes:]
					copy(dst[:yaRowBytes], src)
				}
				continue
			}

			for j := 0; j < heightToCopy; j++ {
				src := img.YUVPlanes[ChanY][j*img.YUVRowBytes[ChanY]:]
				dst := dstImage.YUVPlanes[ChanY][yaColOffset*pixelBytes+(yaRowOffset+j)*dstImage.YUVRowBytes[ChanY]:]
				copy(dst[:yaRowBytes], src)
			}
			if !firstUVPresent {
				continue
			}

			// U/V are copied with subsampled offsets and row bytes.
			uvHeightToCopy := heightToCopy >> info.chromaShiftY
			uvColOffset := yaColOffset >> info.chromaShiftX
			uvRowOffset := yaRowOffset >> info.chromaShiftY
			uvRowBytes := yaRowBytes >> info.chromaShiftX
			for j := 0; j < uvHeightToCopy; j++ {
				for c := ChanU; c <= ChanV; c++ {
					src := img.YUVPlanes[c][j*img.YUVRowBytes[c]:]
					dst := dstImage.YUVPlanes[c][uvColOffset*pixelBytes+(uvRowOffset+j)*dstImage.YUVRowBytes[c]:]
					copy(dst[:uvRowBytes], src)
				}
			}
		}
	}
	return nil
}
