package inference

import "errors"

var (
	// ErrUnsupportedModel means a model name outside the closed set was
	// requested. Fatal to the single processing call, never to a batch.
	ErrUnsupportedModel = errors.New("unsupported model")

	// ErrDecode means source bytes could not be read as an image.
	ErrDecode = errors.New("image decode failed")

	// ErrInference means the OCR or classification backend failed. Partial
	// results may still accompany it.
	ErrInference = errors.New("inference failed")
)
