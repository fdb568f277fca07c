package avif

import (
	"sort"
	"strings"
	"sync"
)

// SpatialIDUnset means "do not filter by spatial id" on a decode sample.
const SpatialIDUnset = 0xff

// DecodeSample is one unit of codec input: a byte span of an item or track
// payload, plus the flags the backend needs to interpret it.
type DecodeSample struct {
	ItemID    uint32
	Offset    uint64 // byte offset within the item payload (items) or file (tracks)
	Size      int
	SpatialID uint8 // SpatialIDUnset, or the layer selected by lsel
	Sync      bool  // keyframe
}

// EncodeSample is one unit of codec output produced while encoding.
type EncodeSample struct {
	Data []byte
	Sync bool
}

// AddImageFlags modify Encoder.AddImage behavior.
type AddImageFlags uint32

const (
	// AddImageFlagForceKeyframe forces the frame to be encoded as a sync
	// sample.
	AddImageFlagForceKeyframe AddImageFlags = 1 << iota
	// AddImageFlagSingle declares that this is the only frame, letting the
	// backend enable still-picture (all-intra) optimisations.
	AddImageFlagSingle
)

// CodecDecoder is the decode half of a codec backend. One instance decodes
// one tile's sample stream.
//
// Images produced by GetNextImage borrow the backend's frame buffer: their
// planes stay valid only until the next GetNextImage or Close on the same
// instance. Callers either copy the planes out or transfer them with
// Image.StealPlanes before decoding again.
type CodecDecoder interface {
	// Open prepares the backend to decode starting at firstSampleIndex.
	// It must tolerate being called again after a flush (re-seek).
	Open(firstSampleIndex int, allLayers bool, operatingPoint uint8, maxThreads int) error

	// GetNextImage feeds one prepared sample and returns the decoded frame
	// in img. For alpha tiles only the luma plane is populated. When called
	// with alpha and no new sample data, the previously decoded alpha frame
	// is returned again.
	GetNextImage(sample *DecodeSample, data []byte, alpha bool, img *Image) error

	// Close releases the backend instance.
	Close() error
}

// CodecEncoder is the encode half of a codec backend. One instance encodes
// one item's (color or alpha) sample stream.
type CodecEncoder interface {
	// EncodeImage encodes one frame, honoring AddImageFlagForceKeyframe and
	// AddImageFlagSingle, and appends any finished samples to the returned
	// slice. Backends with lagged output may return no samples for a while.
	EncodeImage(img *Image, cfg *EncoderConfig, alpha bool, flags AddImageFlags) ([]EncodeSample, error)

	// EncodeFinish flushes remaining lagged samples.
	EncodeFinish() ([]EncodeSample, error)

	// Close releases the backend instance.
	Close() error
}

// CodecChoice selects a codec backend by name. The empty string means
// "any available codec".
type CodecChoice string

// CodecChoiceAuto picks the first registered codec with the needed
// capability.
const CodecChoiceAuto CodecChoice = ""

// CodecFlags describe a backend's capabilities.
type CodecFlags uint32

const (
	CodecFlagCanDecode CodecFlags = 1 << iota
	CodecFlagCanEncode
)

// codecRegistration is one registered backend.
type codecRegistration struct {
	flags      CodecFlags
	newDecoder func() CodecDecoder
	newEncoder func() CodecEncoder
}

var (
	codecsMu sync.RWMutex
	codecs   = map[string]codecRegistration{}
)

// RegisterCodec makes a backend available under name. Backends register
// from their own (typically build-tag-gated) packages via init(). Either
// constructor may be nil when the corresponding capability flag is absent.
func RegisterCodec(name string, flags CodecFlags, newDecoder func() CodecDecoder, newEncoder func() CodecEncoder) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[name] = codecRegistration{flags: flags, newDecoder: newDecoder, newEncoder: newEncoder}
}

// AvailableCodecs returns the names of all registered backends, sorted.
func AvailableCodecs() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupCodec(choice CodecChoice, need CodecFlags) (codecRegistration, bool) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	if choice != CodecChoiceAuto {
		reg, ok := codecs[string(choice)]
		if !ok || reg.flags&need != need {
			return codecRegistration{}, false
		}
		return reg, true
	}
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if reg := codecs[name]; reg.flags&need == need {
			return reg, true
		}
	}
	return codecRegistration{}, false
}

func newCodecDecoder(choice CodecChoice) (CodecDecoder, error) {
	reg, ok := lookupCodec(choice, CodecFlagCanDecode)
	if !ok || reg.newDecoder == nil {
		return nil, ResultNoCodecAvailable
	}
	return reg.newDecoder(), nil
}

func newCodecEncoder(choice CodecChoice) (CodecEncoder, error) {
	reg, ok := lookupCodec(choice, CodecFlagCanEncode)
	if !ok || reg.newEncoder == nil {
		return nil, ResultNoCodecAvailable
	}
	return reg.newEncoder(), nil
}

// CodecSpecificOptions is a free-form backend option map. Keys may carry a
// "color:"/"c:" or "alpha:"/"a:" prefix restricting the option to one plane
// set; unprefixed keys apply to both.
type CodecSpecificOptions map[string]string

// planeOptions returns the options that apply to the color or alpha stream,
// with prefixes stripped. Later unprefixed keys do not override an explicit
// plane-prefixed key.
func (o CodecSpecificOptions) planeOptions(alpha bool) map[string]string {
	if len(o) == 0 {
		return nil
	}
	out := make(map[string]string)
	for key, value := range o {
		plane, bare := splitPlanePrefix(key)
		switch plane {
		case "":
			if _, exists := out[bare]; !exists {
				out[bare] = value
			}
		case "color":
			if !alpha {
				out[bare] = value
			}
		case "alpha":
			if alpha {
				out[bare] = value
			}
		}
	}
	return out
}

// splitPlanePrefix splits "color:key" style option keys. The returned plane
// is "", "color" or "alpha".
func splitPlanePrefix(key string) (plane, bare string) {
	i := strings.IndexByte(key, ':')
	if i < 0 {
		return "", key
	}
	switch key[:i] {
	case "color", "c":
		return "color", key[i+1:]
	case "alpha", "a":
		return "alpha", key[i+1:]
	default:
		return "", key
	}
}

// validate fails on option keys with an unknown plane prefix.
func (o CodecSpecificOptions) validate() error {
	for key := range o {
		i := strings.IndexByte(key, ':')
		if i < 0 {
			continue
		}
		switch key[:i] {
		case "color", "c", "alpha", "a":
		default:
			return ResultInvalidCodecSpecificOption
		}
	}
	return nil
}
