package inference

import (
	"fmt"
	"path/filepath"
)

// ModelKind is the closed set of supported classifier models. Resolution from
// a configured name fails construction for anything outside the set rather
// than falling through a default.
type ModelKind int

const (
	// ModelMobileNetV1 is the 8-bit quantized MobileNet; outputs uint8
	// scores dequantized with a fixed 1/256 scale.
	ModelMobileNetV1 ModelKind = iota
	// ModelMobileNetV2 is the floating point MobileNet; outputs float32
	// scores read directly.
	ModelMobileNetV2
)

// ResolveModel maps a model name to its ModelKind.
func ResolveModel(name string) (ModelKind, error) {
	switch name {
	case "mobilenet_v1":
		return ModelMobileNetV1, nil
	case "mobilenet_v2":
		return ModelMobileNetV2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedModel, name)
	}
}

func (k ModelKind) String() string {
	switch k {
	case ModelMobileNetV1:
		return "mobilenet_v1"
	case ModelMobileNetV2:
		return "mobilenet_v2"
	default:
		return fmt.Sprintf("model_kind(%d)", int(k))
	}
}

// ModelPath returns the .tflite file for the model under modelDir.
func (k ModelKind) ModelPath(modelDir string) string {
	switch k {
	case ModelMobileNetV2:
		return filepath.Join(modelDir, "mobilenet_v2_float.tflite")
	default:
		return filepath.Join(modelDir, "mobilenet_v1_quant.tflite")
	}
}

// LabelPath returns the label vocabulary file for the model under modelDir.
func (k ModelKind) LabelPath(modelDir string) string {
	switch k {
	case ModelMobileNetV2:
		return filepath.Join(modelDir, "labels_mobilenet_v2.txt")
	default:
		return filepath.Join(modelDir, "labels_mobilenet_quant_v1_224.txt")
	}
}

// Quantized reports whether the model's output tensor needs dequantization.
func (k ModelKind) Quantized() bool {
	return k == ModelMobileNetV1
}
