package bmff

import "fmt"

// visualSampleEntrySize is the fixed prelude of a VisualSampleEntry within
// stsd; property boxes for av01 entries follow it.
const visualSampleEntrySize = 78

// SampleToChunk is one stsc run.
type SampleToChunk struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

// TimeToSample is one stts run.
type TimeToSample struct {
	SampleCount uint32
	SampleDelta uint32
}

// SampleDescription is one stsd entry; av01 entries carry embedded
// properties after the VisualSampleEntry prelude.
type SampleDescription struct {
	Format     string
	Properties []Property
}

// SampleTable aggregates the stbl children of one track.
type SampleTable struct {
	Chunks             []uint64 // chunk offsets from stco/co64
	SampleToChunks     []SampleToChunk
	SampleSizes        []uint32
	AllSamplesSize     uint32 // nonzero when stsz declares a uniform size
	SyncSamples        []uint32
	TimeToSamples      []TimeToSample
	SampleDescriptions []SampleDescription
}

// SampleCountOfChunk returns how many samples the stsc mapping assigns to
// the 0-based chunk index.
func (t *SampleTable) SampleCountOfChunk(chunkIndex uint32) uint32 {
	var count uint32
	for i := len(t.SampleToChunks) - 1; i >= 0; i-- {
		run := &t.SampleToChunks[i]
		if run.FirstChunk <= chunkIndex+1 {
			count = run.SamplesPerChunk
			break
		}
	}
	return count
}

// ImageDelta returns the stts delta covering the given 0-based image index.
// Past the last run, the final run's delta is reused, matching the common
// "leftover duration" interpretation.
func (t *SampleTable) ImageDelta(imageIndex int) uint64 {
	maxSampleIndex := 0
	for i := range t.TimeToSamples {
		run := &t.TimeToSamples[i]
		maxSampleIndex += int(run.SampleCount)
		if imageIndex < maxSampleIndex || i == len(t.TimeToSamples)-1 {
			return uint64(run.SampleDelta)
		}
	}
	return 1 // safety fallback: all stts runs exhausted or absent
}

// HasFormat reports whether any sample description uses the given format.
func (t *SampleTable) HasFormat(format string) bool {
	for i := range t.SampleDescriptions {
		if t.SampleDescriptions[i].Format == format {
			return true
		}
	}
	return false
}

// Properties returns the embedded properties of the first av01 sample
// description, or nil.
func (t *SampleTable) Properties() []Property {
	for i := range t.SampleDescriptions {
		if t.SampleDescriptions[i].Format == "av01" {
			return t.SampleDescriptions[i].Properties
		}
	}
	return nil
}

// Track is one trak box.
type Track struct {
	ID             uint32
	AuxForID       uint32
	PremByID       uint32
	Width          uint32
	Height         uint32
	MediaTimescale uint32
	MediaDuration  uint64
	SampleTable    *SampleTable
	Meta           *Meta
}

func parseTrackHeaderBox(track *Track, raw []byte, imageSizeLimit uint32) error {
	s := NewReader(raw)
	version, _, err := s.ReadVersionAndFlags()
	if err != nil {
		return err
	}

	var trackID uint32
	switch version {
	case 1:
		if err := s.Skip(16); err != nil { // creation_time, modification_time
			return err
		}
		if trackID, err = s.ReadU32(); err != nil {
			return err
		}
		if err := s.Skip(12); err != nil { // reserved, duration
			return err
		}
	case 0:
		if err := s.Skip(8); err != nil { // creation_time, modification_time
			return err
		}
		if trackID, err = s.ReadU32(); err != nil {
			return err
		}
		if err := s.Skip(8); err != nil { // reserved, duration
			return err
		}
	default:
		return fmt.Errorf("%w: Box[tkhd] unsupported version %d", ErrInvalid, version)
	}

	// reserved[2], layer, alternate_group, volume, reserved, matrix[9]
	if err := s.Skip(52); err != nil {
		return err
	}

	width, err := s.ReadU32()
	if err != nil {
		return err
	}
	height, err := s.ReadU32()
	if err != nil {
		return err
	}
	track.Width = width >> 16
	track.Height = height >> 16

	if track.Width == 0 || track.Height == 0 {
		return fmt.Errorf("%w: track ID %d has an invalid size %dx%d", ErrInvalid, trackID, track.Width, track.Height)
	}
	if imageSizeLimit > 0 && track.Width > imageSizeLimit/track.Height {
		return fmt.Errorf("%w: track ID %d size is too large %dx%d", ErrInvalid, trackID, track.Width, track.Height)
	}

	track.ID = trackID
	return nil
}

func parseMediaHeaderBox(track *Track, raw []byte) error {
	s := NewReader(raw)
	version, _, err := s.ReadVersionAndFlags()
	if err != nil {
		return err
	}
	switch version {
	case 1:
		if err := s.Skip(16); err != nil { // creation_time, modification_time
			return err
		}
		if track.MediaTimescale, err = s.ReadU32(); err != nil {
			return err
		}
		if track.MediaDuration, err = s.ReadU64(); err != nil {
			return err
		}
	case 0:
		if err := s.Skip(8); err != nil {
			return err
		}
		if track.MediaTimescale, err = s.ReadU32(); err != nil {
			return err
		}
		d, err := s.ReadU32()
		if err != nil {
			return err
		}
		track.MediaDuration = uint64(d)
	default:
		return fmt.Errorf("%w: Box[mdhd] unsupported version %d", ErrInvalid, version)
	}
	return nil
}

func parseChunkOffsetBox(t *SampleTable, largeOffsets bool, raw []byte) error {
	s := NewReader(raw)
	if err := s.ReadAndEnforceVersion(0); err != nil {
		if largeOffsets {
			return fmt.Errorf("%w: Box[co64]", err)
		}
		return fmt.Errorf("%w: Box[stco]", err)
	}
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		var offset uint64
		if largeOffsets {
			if offset, err = s.ReadU64(); err != nil {
				return err
			}
		} else {
			o, err := s.ReadU32()
			if err != nil {
				return err
			}
			offset = uint64(o)
		}
		t.Chunks = append(t.Chunks, offset)
	}
	return nil
}

func parseSampleToChunkBox(t *SampleTable, raw []byte) error {
	s := NewReader(raw)
	if err := s.ReadAndEnforceVersion(0); err != nil {
		return fmt.Errorf("%w: Box[stsc]", err)
	}
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	var prevFirstChunk uint32
	for i := uint32(0); i < entryCount; i++ {
		var run SampleToChunk
		if run.FirstChunk, err = s.ReadU32(); err != nil {
			return err
		}
		if run.SamplesPerChunk, err = s.ReadU32(); err != nil {
			return err
		}
		if run.SampleDescriptionIndex, err = s.ReadU32(); err != nil {
			return err
		}
		// first_chunk values start at 1 and are strictly increasing.
		if i == 0 {
			if run.FirstChunk != 1 {
				return fmt.Errorf("%w: Box[stsc] does not begin with chunk 1", ErrInvalid)
			}
		} else if run.FirstChunk <= prevFirstChunk {
			return fmt.Errorf("%w: Box[stsc] chunks are not strictly increasing", ErrInvalid)
		}
		prevFirstChunk = run.FirstChunk
		t.SampleToChunks = append(t.SampleToChunks, run)
	}
	return nil
}

func parseSampleSizeBox(t *SampleTable, raw []byte) error {
	s := NewReader(raw)
	if err := s.ReadAndEnforceVersion(0); err != nil {
		return fmt.Errorf("%w: Box[stsz]", err)
	}
	allSamplesSize, err := s.ReadU32()
	if err != nil {
		return err
	}
	sampleCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	if allSamplesSize > 0 {
		t.AllSamplesSize = allSamplesSize
		return nil
	}
	for i := uint32(0); i < sampleCount; i++ {
		size, err := s.ReadU32()
		if err != nil {
			return err
		}
		t.SampleSizes = append(t.SampleSizes, size)
	}
	return nil
}

func parseSyncSampleBox(t *SampleTable, raw []byte) error {
	s := NewReader(raw)
	if err := s.ReadAndEnforceVersion(0); err != nil {
		return fmt.Errorf("%w: Box[stss]", err)
	}
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		sampleNumber, err := s.ReadU32()
		if err != nil {
			return err
		}
		t.SyncSamples = append(t.SyncSamples, sampleNumber)
	}
	return nil
}

func parseTimeToSampleBox(t *SampleTable, raw []byte) error {
	s := NewReader(raw)
	if err := s.ReadAndEnforceVersion(0); err != nil {
		return fmt.Errorf("%w: Box[stts]", err)
	}
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		var run TimeToSample
		if run.SampleCount, err = s.ReadU32(); err != nil {
			return err
		}
		if run.SampleDelta, err = s.ReadU32(); err != nil {
			return err
		}
		t.TimeToSamples = append(t.TimeToSamples, run)
	}
	return nil
}

func parseSampleDescriptionBox(t *SampleTable, raw []byte) error {
	s := NewReader(raw)
	if err := s.ReadAndEnforceVersion(0); err != nil {
		return fmt.Errorf("%w: Box[stsd]", err)
	}
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		header, err := s.ReadBoxHeader()
		if err != nil {
			return err
		}
		description := SampleDescription{Format: header.Type}
		if header.Type == "av01" && header.Size > visualSampleEntrySize {
			body := s.Current()[visualSampleEntrySize:header.Size]
			description.Properties, err = parsePropertyContainer(nil, body)
			if err != nil {
				return err
			}
		}
		t.SampleDescriptions = append(t.SampleDescriptions, description)
		if err := s.Skip(header.Size); err != nil {
			return err
		}
	}
	return nil
}

func parseSampleTableBox(track *Track, raw []byte) error {
	if track.SampleTable != nil {
		return fmt.Errorf("%w: duplicate Box[stbl] for a single track", ErrInvalid)
	}
	track.SampleTable = &SampleTable{}

	s := NewReader(raw)
	for s.HasBytesLeft(1) {
		header, err := s.ReadBoxHeader()
		if err != nil {
			return err
		}
		body := s.Current()[:header.Size]

		switch header.Type {
		case "stco":
			err = parseChunkOffsetBox(track.SampleTable, false, body)
		case "co64":
			err = parseChunkOffsetBox(track.SampleTable, true, body)
		case "stsc":
			err = parseSampleToChunkBox(track.SampleTable, body)
		case "stsz":
			err = parseSampleSizeBox(track.SampleTable, body)
		case "stss":
			err = parseSyncSampleBox(track.SampleTable, body)
		case "stts":
			err = parseTimeToSampleBox(track.SampleTable, body)
		case "stsd":
			err = parseSampleDescriptionBox(track.SampleTable, body)
		}
		if err != nil {
			return err
		}
		if err := s.Skip(header.Size); err != nil {
			return err
		}
	}
	return nil
}

func parseMediaInformationBox(track *Track, raw []byte) error {
	s := NewReader(raw)
	for s.HasBytesLeft(1) {
		header, err := s.ReadBoxHeader()
		if err != nil {
			return err
		}
		if header.Type == "stbl" {
			if err := parseSampleTableBox(track, s.Current()[:header.Size]); err != nil {
				return err
			}
		}
		if err := s.Skip(header.Size); err != nil {
			return err
		}
	}
	return nil
}

func parseMediaBox(track *Track, raw []byte) error {
	s := NewReader(raw)
	for s.HasBytesLeft(1) {
		header, err := s.ReadBoxHeader()
		if err != nil {
			return err
		}
		body := s.Current()[:header.Size]
		switch header.Type {
		case "mdhd":
			if err := parseMediaHeaderBox(track, body); err != nil {
				return err
			}
		case "minf":
			if err := parseMediaInformationBox(track, body); err != nil {
				return err
			}
		}
		if err := s.Skip(header.Size); err != nil {
			return err
		}
	}
	return nil
}

func parseTrackReferenceBox(track *Track, raw []byte) error {
	s := NewReader(raw)
	for s.HasBytesLeft(1) {
		header, err := s.ReadBoxHeader()
		if err != nil {
			return err
		}
		switch header.Type {
		case "auxl", "prem":
			if header.Size < 4 {
				return ErrTruncated
			}
			toID, err := s.ReadU32()
			if err != nil {
				return err
			}
			// Only the first target id is recorded; additional targets are
			// skipped.
			if err := s.Skip(header.Size - 4); err != nil {
				return err
			}
			if header.Type == "auxl" {
				track.AuxForID = toID
			} else {
				track.PremByID = toID
			}
		default:
			if err := s.Skip(header.Size); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseTrackBox(raw []byte, imageSizeLimit uint32, depth int) (*Track, error) {
	track := &Track{Meta: NewMeta()}
	s := NewReader(raw)
	for s.HasBytesLeft(1) {
		header, err := s.ReadBoxHeader()
		if err != nil {
			return nil, err
		}
		body := s.Current()[:header.Size]
		switch header.Type {
		case "tkhd":
			err = parseTrackHeaderBox(track, body, imageSizeLimit)
		case "meta":
			err = track.Meta.Parse(body, depth+1)
		case "mdia":
			err = parseMediaBox(track, body)
		case "tref":
			err = parseTrackReferenceBox(track, body)
		}
		if err != nil {
			return nil, err
		}
		if err := s.Skip(header.Size); err != nil {
			return nil, err
		}
	}
	return track, nil
}

// ParseMovieBox parses a moov box body into its tracks.
func ParseMovieBox(raw []byte, imageSizeLimit uint32, depth int) ([]*Track, error) {
	if depth > maxParseDepth {
		return nil, fmt.Errorf("%w: box nesting exceeds depth %d", ErrAborted, maxParseDepth)
	}
	var tracks []*Track
	s := NewReader(raw)
	for s.HasBytesLeft(1) {
		header, err := s.ReadBoxHeader()
		if err != nil {
			return nil, err
		}
		if header.Type == "trak" {
			track, err := parseTrackBox(s.Current()[:header.Size], imageSizeLimit, depth)
			if err != nil {
				return nil, err
			}
			tracks = append(tracks, track)
		}
		if err := s.Skip(header.Size); err != nil {
			return nil, err
		}
	}
	return tracks, nil
}
