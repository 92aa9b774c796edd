package inference

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// TextRecognizer extracts plain text from an image. An empty string with a
// nil error means no text was found.
type TextRecognizer interface {
	RecognizeText(ctx context.Context, img image.Image) (string, error)
}

// TesseractOCR shells out to the tesseract binary. The image round-trips
// through a temp PNG because tesseract reads files, not pipes of decoded
// pixels.
type TesseractOCR struct {
	binary  string
	workDir string
}

func NewTesseractOCR(binary string) (*TesseractOCR, error) {
	if binary == "" {
		binary = "tesseract"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("tesseract not found in PATH: %w", err)
	}

	workDir := filepath.Join(os.TempDir(), "mediadex-ocr")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create OCR work directory: %w", err)
	}

	return &TesseractOCR{binary: path, workDir: workDir}, nil
}

func (t *TesseractOCR) RecognizeText(ctx context.Context, img image.Image) (string, error) {
	tmp, err := os.CreateTemp(t.workDir, "ocr_*.png")
	if err != nil {
		return "", fmt.Errorf("failed to create OCR temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := imaging.Save(img, tmpPath); err != nil {
		return "", fmt.Errorf("failed to write OCR input: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.binary, tmpPath, "stdout")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimSpace(stdout.String()), nil
}
