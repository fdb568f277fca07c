package bmff

import "fmt"

// FileType is the parsed ftyp box.
type FileType struct {
	MajorBrand       string
	MinorVersion     uint32
	CompatibleBrands []string
}

// HasBrand reports whether brand is the major brand or listed as compatible.
func (f *FileType) HasBrand(brand string) bool {
	if f.MajorBrand == brand {
		return true
	}
	for _, b := range f.CompatibleBrands {
		if b == brand {
			return true
		}
	}
	return false
}

// IsCompatible reports whether the file declares itself as AVIF: a still
// image ('avif') or an image sequence ('avis').
func (f *FileType) IsCompatible() bool {
	return f.HasBrand("avif") || f.HasBrand("avis")
}

// ParseFileTypeBox parses a raw ftyp box body.
func ParseFileTypeBox(raw []byte) (FileType, error) {
	var ftyp FileType
	s := NewReader(raw)

	major, err := s.Read(4)
	if err != nil {
		return ftyp, err
	}
	ftyp.MajorBrand = string(major)
	if ftyp.MinorVersion, err = s.ReadU32(); err != nil {
		return ftyp, err
	}

	remaining := s.RemainingBytes()
	if remaining%4 != 0 {
		return ftyp, fmt.Errorf("%w: Box[ftyp] compatible brands not divisible by 4", ErrInvalid)
	}
	for i := 0; i < remaining/4; i++ {
		brand, err := s.Read(4)
		if err != nil {
			return ftyp, err
		}
		ftyp.CompatibleBrands = append(ftyp.CompatibleBrands, string(brand))
	}
	return ftyp, nil
}

// ImageGrid is the parsed payload of a grid derived item.
type ImageGrid struct {
	Rows         uint32 // [1,256]
	Columns      uint32 // [1,256]
	OutputWidth  uint32
	OutputHeight uint32
}

// ParseImageGridBox parses a grid item payload. The payload must be consumed
// exactly.
func ParseImageGridBox(raw []byte, imageSizeLimit uint32) (ImageGrid, error) {
	var grid ImageGrid
	s := NewReader(raw)

	version, err := s.ReadU8()
	if err != nil {
		return grid, err
	}
	if version != 0 {
		return grid, fmt.Errorf("%w: Box[grid] unsupported version %d", ErrInvalid, version)
	}
	flags, err := s.ReadU8()
	if err != nil {
		return grid, err
	}
	rowsMinusOne, err := s.ReadU8()
	if err != nil {
		return grid, err
	}
	columnsMinusOne, err := s.ReadU8()
	if err != nil {
		return grid, err
	}
	grid.Rows = uint32(rowsMinusOne) + 1
	grid.Columns = uint32(columnsMinusOne) + 1

	if flags&1 == 0 {
		w, err := s.ReadU16()
		if err != nil {
			return grid, err
		}
		h, err := s.ReadU16()
		if err != nil {
			return grid, err
		}
		grid.OutputWidth = uint32(w)
		grid.OutputHeight = uint32(h)
	} else {
		if grid.OutputWidth, err = s.ReadU32(); err != nil {
			return grid, err
		}
		if grid.OutputHeight, err = s.ReadU32(); err != nil {
			return grid, err
		}
	}
	if grid.OutputWidth == 0 || grid.OutputHeight == 0 {
		return grid, fmt.Errorf("%w: Box[grid] illegal dimensions %dx%d", ErrInvalid, grid.OutputWidth, grid.OutputHeight)
	}
	if imageSizeLimit > 0 && grid.OutputWidth > imageSizeLimit/grid.OutputHeight {
		return grid, fmt.Errorf("%w: Box[grid] dimensions too large %dx%d", ErrInvalid, grid.OutputWidth, grid.OutputHeight)
	}
	if s.RemainingBytes() != 0 {
		return grid, fmt.Errorf("%w: Box[grid] trailing bytes", ErrInvalid)
	}
	return grid, nil
}
