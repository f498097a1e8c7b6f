package recognition

import "context"

// Recognizer turns an image into the text printed on it
type Recognizer interface {
	// RecognizeText returns the recognized text, one printed line per line
	RecognizeText(ctx context.Context, imageData []byte, contentType string) (string, error)
	// Close closes the recognizer and releases resources
	Close() error
}
