package bmff

import "encoding/binary"

// ParseBoxHeaderPartial parses a box header from a prefix of the box,
// without requiring the box content to be present. It returns the box type,
// the content size (header excluded) and the number of header bytes
// consumed. A size of 0 ("extends to end of file") is only meaningful at the
// top level and is surfaced as ErrInvalid here since the caller reads
// bounded boxes.
func ParseBoxHeaderPartial(data []byte) (boxType string, contentSize uint64, headerSize int, err error) {
	if len(data) < 8 {
		return "", 0, 0, ErrTruncated
	}
	smallSize := binary.BigEndian.Uint32(data[0:4])
	boxType = string(data[4:8])
	headerSize = 8

	size := uint64(smallSize)
	if size == 1 {
		if len(data) < 16 {
			return "", 0, 0, ErrTruncated
		}
		size = binary.BigEndian.Uint64(data[8:16])
		headerSize = 16
	}
	if boxType == "uuid" {
		if len(data) < headerSize+16 {
			return "", 0, 0, ErrTruncated
		}
		headerSize += 16
	}
	if size == 0 {
		return "", 0, 0, ErrInvalid
	}
	if size < uint64(headerSize) {
		return "", 0, 0, ErrInvalid
	}
	return boxType, size - uint64(headerSize), headerSize, nil
}
