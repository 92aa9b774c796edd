package inference

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// Confidence floor below which a quantized top score is treated as
// implausible and the float model is tried instead.
const minPlausibleConfidence = 0.1

// Result is the merged output of one per-item inference pass. A partial
// result (text with no label, or a label with no text) is valid.
type Result struct {
	ExtractedText string
	Label         *string
	Confidence    *float64
	ModelName     *string
}

// Engine is the per-item processing function the orchestrator drives.
type Engine interface {
	Process(ctx context.Context, img image.Image, modelName string) (Result, error)
}

// Adapter wraps OCR and classification behind one processing call with
// runtime model switching. The classifier reloads lazily, only when the
// requested model differs from the loaded one.
type Adapter struct {
	ocr      TextRecognizer
	modelDir string
	log      *slog.Logger

	mu         sync.Mutex
	classifier *Classifier
	current    ModelKind
}

func NewAdapter(ocr TextRecognizer, modelDir string, log *slog.Logger) *Adapter {
	return &Adapter{
		ocr:      ocr,
		modelDir: modelDir,
		log:      log,
	}
}

// Process runs OCR and classification over the image using the named model.
// A failure in one stage does not discard the other stage's output: the
// partial Result is returned alongside the error so the caller can persist
// what succeeded. Only an unknown model name fails before any work is done.
func (a *Adapter) Process(ctx context.Context, img image.Image, modelName string) (Result, error) {
	kind, err := ResolveModel(modelName)
	if err != nil {
		return Result{}, err
	}
	if img == nil {
		return Result{}, ErrDecode
	}

	var result Result

	text, ocrErr := a.ocr.RecognizeText(ctx, img)
	if ocrErr == nil {
		result.ExtractedText = CleanText(text)
	}

	label, confidence, usedKind, clsErr := a.classifyWithFallback(img, kind)
	if clsErr == nil {
		name := usedKind.String()
		result.Label = &label
		result.Confidence = &confidence
		result.ModelName = &name
	} else {
		a.log.Warn("classification failed", "model", kind.String(), "error", clsErr)
	}

	if ocrErr != nil && clsErr != nil {
		return result, fmt.Errorf("%w: ocr: %v; classify: %v", ErrInference, ocrErr, clsErr)
	}
	if ocrErr != nil {
		return result, fmt.Errorf("%w: ocr: %v", ErrInference, ocrErr)
	}
	return result, nil
}

// classifyWithFallback runs the requested model, retrying once with the
// float V2 model when the quantized V1 model fails to load or produces an
// implausible top score. V2 as the primary never falls back.
func (a *Adapter) classifyWithFallback(img image.Image, kind ModelKind) (string, float64, ModelKind, error) {
	label, confidence, err := a.classify(img, kind)
	if kind != ModelMobileNetV1 {
		return label, confidence, kind, err
	}

	if err == nil && confidence >= minPlausibleConfidence {
		return label, confidence, kind, nil
	}

	if err != nil {
		a.log.Debug("primary model failed, falling back", "error", err)
	} else {
		a.log.Debug("implausible top score, falling back", "confidence", confidence)
	}

	fbLabel, fbConfidence, fbErr := a.classify(img, ModelMobileNetV2)
	if fbErr != nil {
		// Keep the primary's answer when it at least produced one.
		if err == nil {
			return label, confidence, kind, nil
		}
		return "", 0, kind, err
	}
	return fbLabel, fbConfidence, ModelMobileNetV2, nil
}

func (a *Adapter) classify(img image.Image, kind ModelKind) (string, float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.classifierForLocked(kind)
	if err != nil {
		return "", 0, err
	}
	return c.Classify(img)
}

func (a *Adapter) classifierForLocked(kind ModelKind) (*Classifier, error) {
	if a.classifier != nil && a.current == kind {
		return a.classifier, nil
	}

	c, err := NewClassifier(a.modelDir, kind)
	if err != nil {
		return nil, err
	}

	if a.classifier != nil {
		a.classifier.Close()
	}
	a.classifier = c
	a.current = kind
	a.log.Info("classifier model loaded", "model", kind.String())
	return c, nil
}

// Close releases the loaded classifier, if any.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.classifier != nil {
		a.classifier.Close()
		a.classifier = nil
	}
}

var (
	tokenSplitRe = regexp.MustCompile(`[\s,.;:!?]+`)
	nonAlnumRe   = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// CleanText normalizes raw OCR output into a deduplicated token string:
// split on whitespace/punctuation, strip non-alphanumerics, drop tokens of
// length <= 2, keep first occurrence order.
func CleanText(text string) string {
	if text == "" {
		return ""
	}

	seen := make(map[string]bool)
	var tokens []string
	for _, tok := range tokenSplitRe.Split(text, -1) {
		tok = strings.TrimSpace(tok)
		if len(tok) <= 2 {
			continue
		}
		tok = nonAlnumRe.ReplaceAllString(tok, "")
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}
	return strings.Join(tokens, " ")
}
