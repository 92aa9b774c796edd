package inference

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"runtime"
	"strings"

	"github.com/disintegration/imaging"
	tflite "github.com/tphakala/go-tflite"
)

const (
	inputSize = 224

	// Fixed-point scale for 8-bit quantized model output.
	quantScale = 1.0 / 256.0
)

// Classifier runs a TensorFlow Lite image classification model. It is not
// safe for concurrent use; the adapter serializes access.
type Classifier struct {
	kind        ModelKind
	model       *tflite.Model
	interpreter *tflite.Interpreter
	labels      []string
}

// NewClassifier loads the model and its label vocabulary from modelDir and
// prepares an interpreter. The label count is validated against the model's
// output dimension so a mismatched vocabulary fails at load time, not mid-batch.
func NewClassifier(modelDir string, kind ModelKind) (*Classifier, error) {
	modelPath := kind.ModelPath(modelDir)
	model := tflite.NewModelFromFile(modelPath)
	if model == nil {
		return nil, fmt.Errorf("cannot load model from path: %s", modelPath)
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(runtime.NumCPU())

	interpreter := tflite.NewInterpreter(model, options)
	options.Delete()
	if interpreter == nil {
		model.Delete()
		return nil, fmt.Errorf("cannot create interpreter for %s", kind)
	}

	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		model.Delete()
		return nil, fmt.Errorf("tensor allocation failed for %s", kind)
	}

	labels, err := loadLabels(kind.LabelPath(modelDir))
	if err != nil {
		interpreter.Delete()
		model.Delete()
		return nil, fmt.Errorf("failed to load labels for %s: %w", kind, err)
	}

	c := &Classifier{
		kind:        kind,
		model:       model,
		interpreter: interpreter,
		labels:      labels,
	}

	if err := c.validateLabels(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Classifier) validateLabels() error {
	outputTensor := c.interpreter.GetOutputTensor(0)
	if outputTensor == nil {
		return fmt.Errorf("cannot get output tensor from %s", c.kind)
	}

	outputSize := outputTensor.Dim(outputTensor.NumDims() - 1)
	if len(c.labels) != outputSize {
		return fmt.Errorf("label count mismatch for %s: model outputs %d classes, label file has %d",
			c.kind, outputSize, len(c.labels))
	}
	return nil
}

// Classify resizes the image to the model's input shape, runs inference and
// returns the argmax label with its confidence in [0,1]. Ties resolve to the
// first index achieving the maximum.
func (c *Classifier) Classify(img image.Image) (string, float64, error) {
	resized := imaging.Resize(img, inputSize, inputSize, imaging.Lanczos)

	inputTensor := c.interpreter.GetInputTensor(0)
	if inputTensor == nil {
		return "", 0, fmt.Errorf("cannot get input tensor for %s", c.kind)
	}

	switch inputTensor.Type() {
	case tflite.UInt8:
		fillUint8Input(inputTensor.UInt8s(), resized)
	case tflite.Float32:
		fillFloat32Input(inputTensor.Float32s(), resized)
	default:
		return "", 0, fmt.Errorf("unexpected input tensor type for %s: %v", c.kind, inputTensor.Type())
	}

	if status := c.interpreter.Invoke(); status != tflite.OK {
		return "", 0, fmt.Errorf("tensor invoke failed for %s: %v", c.kind, status)
	}

	outputTensor := c.interpreter.GetOutputTensor(0)
	if outputTensor == nil {
		return "", 0, fmt.Errorf("cannot get output tensor for %s", c.kind)
	}

	confidences := extractConfidences(outputTensor)
	if len(confidences) == 0 {
		return "", 0, fmt.Errorf("empty output tensor for %s", c.kind)
	}

	maxIdx := 0
	for i, v := range confidences {
		if v > confidences[maxIdx] {
			maxIdx = i
		}
	}
	if maxIdx >= len(c.labels) {
		return "", 0, fmt.Errorf("argmax index %d out of label range for %s", maxIdx, c.kind)
	}

	return c.labels[maxIdx], confidences[maxIdx], nil
}

// extractConfidences reads the output tensor into [0,1] confidences.
// Quantized models hold raw uint8 scores scaled by 1/256; float models are
// read directly.
func extractConfidences(tensor *tflite.Tensor) []float64 {
	switch tensor.Type() {
	case tflite.UInt8:
		return dequantize(tensor.UInt8s())
	case tflite.Float32:
		raw := tensor.Float32s()
		out := make([]float64, len(raw))
		for i, v := range raw {
			out[i] = float64(v)
		}
		return out
	default:
		return nil
	}
}

// dequantize maps raw 8-bit quantized scores into [0,1] confidences using
// the fixed 1/256 scale.
func dequantize(raw []uint8) []float64 {
	out := make([]float64, len(raw))
	for i, q := range raw {
		out[i] = float64(q) * quantScale
	}
	return out
}

// fillUint8Input writes raw RGB bytes into the quantized model's input tensor.
func fillUint8Input(dst []uint8, img *image.NRGBA) {
	idx := 0
	for y := 0; y < inputSize; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < inputSize; x++ {
			pix := row[x*4:]
			if idx+2 >= len(dst) {
				return
			}
			dst[idx] = pix[0]
			dst[idx+1] = pix[1]
			dst[idx+2] = pix[2]
			idx += 3
		}
	}
}

// fillFloat32Input writes RGB normalized to [0,1] into the float model's
// input tensor.
func fillFloat32Input(dst []float32, img *image.NRGBA) {
	idx := 0
	for y := 0; y < inputSize; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < inputSize; x++ {
			pix := row[x*4:]
			if idx+2 >= len(dst) {
				return
			}
			dst[idx] = float32(pix[0]) / 255.0
			dst[idx+1] = float32(pix[1]) / 255.0
			dst[idx+2] = float32(pix[2]) / 255.0
			idx += 3
		}
	}
}

// Close releases the interpreter and model.
func (c *Classifier) Close() {
	if c.interpreter != nil {
		c.interpreter.Delete()
		c.interpreter = nil
	}
	if c.model != nil {
		c.model.Delete()
		c.model = nil
	}
}

func loadLabels(labelsPath string) ([]string, error) {
	file, err := os.Open(labelsPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var labels []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return labels, nil
}
