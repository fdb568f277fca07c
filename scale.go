package avif

// ScaleFunc scales img in place to dstWidth x dstHeight. Resampling is
// outside this package's scope; an external package wires an implementation
// here (typically a libyuv-style scaler). When nil, decoding a file whose
// decoded tile dimensions differ from the declared tile dimensions fails.
var ScaleFunc func(img *Image, dstWidth, dstHeight int) error

// scaleImage applies ScaleFunc with the decoder's size limit.
func scaleImage(img *Image, dstWidth, dstHeight int, imageSizeLimit uint32) error {
	if dstWidth <= 0 || dstHeight <= 0 {
		return ResultInvalidImageGrid
	}
	if imageSizeLimit > 0 && uint32(dstWidth) > imageSizeLimit/uint32(dstHeight) {
		return ResultInvalidImageGrid
	}
	if ScaleFunc == nil {
		return ResultReformatFailed
	}
	return ScaleFunc(img, dstWidth, dstHeight)
}
