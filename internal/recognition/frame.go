package recognition

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// Options controls how a frame is prepared before it is sent for recognition
type Options struct {
	// Rotate turns the frame clockwise by 0, 90, 180 or 270 degrees.
	// Phone cameras deliver frames sideways, so 90 is the usual value.
	Rotate int
	// Enhance applies grayscale, contrast and sharpening
	Enhance bool
}

// ValidRotation reports whether degrees is a supported rotation
func ValidRotation(degrees int) bool {
	switch degrees {
	case 0, 90, 180, 270:
		return true
	}
	return false
}

func (o Options) identity() bool {
	return o.Rotate == 0 && !o.Enhance
}

// PrepareFrame normalizes the MIME type, decodes the frame, applies the
// requested rotation and enhancement and re-encodes it as PNG.
// The returned data is always PNG.
func PrepareFrame(imageData []byte, contentType string, opts Options) ([]byte, error) {
	if !ValidRotation(opts.Rotate) {
		return nil, fmt.Errorf("unsupported rotation %d: must be 0, 90, 180 or 270", opts.Rotate)
	}

	// Normalize MIME type (lowercase, trim whitespace)
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg" // default
	}

	// Already PNG and nothing to do, return as-is
	if mimeType == "image/png" && opts.identity() && !isHEICFormat(imageData) {
		return imageData, nil
	}

	img, err := decodeFrame(imageData, mimeType)
	if err != nil {
		return nil, err
	}

	img = transform(img, opts)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

func transform(img image.Image, opts Options) image.Image {
	// imaging rotates counter-clockwise
	switch opts.Rotate {
	case 90:
		img = imaging.Rotate270(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate90(img)
	}

	if opts.Enhance {
		img = imaging.Grayscale(img)
		img = imaging.AdjustContrast(img, 30)
		img = imaging.Sharpen(img, 1.5)
	}

	return img
}

func decodeFrame(imageData []byte, mimeType string) (image.Image, error) {
	if mimeType == "application/pdf" {
		img, err := pdfToImage(imageData)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to image: %w", err)
		}
		return img, nil
	}

	// Go's standard image package doesn't support HEIC
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// pdfToImage renders the first page of a PDF
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// isHEICFormat checks for an ftyp box with a HEIC-related brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return mimeType == "image/heic" || mimeType == "image/heif" ||
		strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
