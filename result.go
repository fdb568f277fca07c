package avif

// Result is the status code surface of this package. Every public operation
// that can fail returns a Result (possibly wrapped with context) as its
// error; ResultOK is never returned as an error.
type Result int

const (
	ResultOK Result = iota
	ResultUnknownError
	ResultInvalidFtyp
	ResultNoContent
	ResultNoYUVFormatSelected
	ResultReformatFailed
	ResultUnsupportedDepth
	ResultEncodeColorFailed
	ResultEncodeAlphaFailed
	ResultBMFFParseFailed
	ResultNoAV1ItemsFound
	ResultDecodeColorFailed
	ResultDecodeAlphaFailed
	ResultColorAlphaSizeMismatch
	ResultISPESizeMismatch
	ResultNoCodecAvailable
	ResultNoImagesRemaining
	ResultInvalidExifPayload
	ResultInvalidImageGrid
	ResultInvalidCodecSpecificOption
	ResultTruncatedData
	ResultIONotSet
	ResultIOError
	ResultWaitingOnIO
	ResultOutOfMemory
)

var resultStrings = map[Result]string{
	ResultOK:                         "OK",
	ResultUnknownError:               "unknown error",
	ResultInvalidFtyp:                "invalid ftyp",
	ResultNoContent:                  "no content",
	ResultNoYUVFormatSelected:        "no YUV format selected",
	ResultReformatFailed:             "reformat failed",
	ResultUnsupportedDepth:           "unsupported depth",
	ResultEncodeColorFailed:          "encoding of color planes failed",
	ResultEncodeAlphaFailed:          "encoding of alpha plane failed",
	ResultBMFFParseFailed:            "BMFF parsing failed",
	ResultNoAV1ItemsFound:            "no AV1 items found",
	ResultDecodeColorFailed:          "decoding of color planes failed",
	ResultDecodeAlphaFailed:          "decoding of alpha plane failed",
	ResultColorAlphaSizeMismatch:     "color and alpha planes size mismatch",
	ResultISPESizeMismatch:           "plane sizes don't match ispe values",
	ResultNoCodecAvailable:           "no codec available",
	ResultNoImagesRemaining:          "no images remaining",
	ResultInvalidExifPayload:         "invalid Exif payload",
	ResultInvalidImageGrid:           "invalid image grid",
	ResultInvalidCodecSpecificOption: "invalid codec-specific option",
	ResultTruncatedData:              "truncated data",
	ResultIONotSet:                   "IO not set",
	ResultIOError:                    "IO error",
	ResultWaitingOnIO:                "waiting on IO",
	ResultOutOfMemory:                "out of memory",
}

// String returns a human-readable description of the result code.
func (r Result) String() string {
	if s, ok := resultStrings[r]; ok {
		return s
	}
	return "unknown result"
}

// Error implements the error interface so that result codes can flow through
// standard error handling. errors.Is works against the sentinel values above.
func (r Result) Error() string {
	return "avif: " + r.String()
}
