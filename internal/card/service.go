package card

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/card-scanner/internal/cardmatch"
	"github.com/zombor/card-scanner/internal/frame"
	"github.com/zombor/card-scanner/internal/recognition"
)

// ErrRecognition marks failures to read an image, as opposed to failures to store a scan
var ErrRecognition = errors.New("recognizing text")

// IDGenerator generates unique IDs for scans and frames
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config holds the service options that come from flags
type Config struct {
	// KeepFrames stores uploaded images that produced a scan
	KeepFrames bool
	Frames     frame.Options
}

// Service handles card scanning operations
type Service struct {
	db          DB
	recognizer  recognition.Recognizer
	storage     Storage
	analyzer    *frame.Analyzer
	keepFrames  bool
	idGenerator IDGenerator
	timeSource  TimeSource

	mu sync.RWMutex
	// latest is the last result from the frame worker, shown as the label
	latest *frame.Result
	// lastFrameDigits is the last card persisted from a frame, so it is not saved once per frame
	lastFrameDigits string
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, recognizer recognition.Recognizer, storage Storage, cfg Config) *Service {
	return NewServiceWithDeps(db, recognizer, storage, cfg, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, recognizer recognition.Recognizer, storage Storage, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	s := &Service{
		db:          db,
		recognizer:  recognizer,
		storage:     storage,
		keepFrames:  cfg.KeepFrames && storage != nil,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
	s.analyzer = frame.NewAnalyzer(recognizer, s.HandleResult, cfg.Frames)
	return s
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "frame"
	}

	return base + ext
}

// ScanImage recognizes the text in a single image and looks for a card in it.
// A scan is only persisted when a card number is found.
func (s *Service) ScanImage(ctx context.Context, filename string, data []byte, contentType string) (*Outcome, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	var savedPath string
	if s.keepFrames {
		var err error
		savedPath, err = s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
		if err != nil {
			return nil, fmt.Errorf("saving file: %w", err)
		}
	}

	text, err := s.recognizer.RecognizeText(ctx, data, contentType)
	if err != nil {
		slog.Error("Failed to recognize image",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		s.discardFile(savedPath)
		return nil, fmt.Errorf("%w: %w", ErrRecognition, err)
	}

	outcome := &Outcome{
		Detection: cardmatch.Detect(text),
		Text:      text,
	}
	if !outcome.Detection.Found() {
		s.discardFile(savedPath)
		return outcome, nil
	}

	scan := newScan(id, outcome.Detection, SourceUpload, now)
	if savedPath != "" {
		scan.Filename = savedPath
		scan.ContentType = contentType
	}

	if err := s.db.SaveScan(scan); err != nil {
		s.discardFile(savedPath)
		return nil, fmt.Errorf("saving scan to database: %w", err)
	}

	slog.Info("Card detected", "scan_id", scan.ID, "source", scan.Source, "issuer", scan.Issuer, "number", scan.Number)
	outcome.Scan = scan
	return outcome, nil
}

// MatchText runs card detection on text that was already recognized
func (s *Service) MatchText(text string) (*Outcome, error) {
	outcome := &Outcome{
		Detection: cardmatch.Detect(text),
		Text:      text,
	}
	if !outcome.Detection.Found() {
		return outcome, nil
	}

	scan := newScan(s.idGenerator.Generate(), outcome.Detection, SourceText, s.timeSource.Now())
	if err := s.db.SaveScan(scan); err != nil {
		return nil, fmt.Errorf("saving scan to database: %w", err)
	}

	slog.Info("Card detected", "scan_id", scan.ID, "source", scan.Source, "issuer", scan.Issuer, "number", scan.Number)
	outcome.Scan = scan
	return outcome, nil
}

// SubmitFrame queues a camera frame for the background worker and returns its ID
func (s *Service) SubmitFrame(data []byte, contentType string) (string, error) {
	id := s.idGenerator.Generate()
	err := s.analyzer.Submit(frame.Frame{
		ID:          id,
		Data:        data,
		ContentType: contentType,
		ReceivedAt:  s.timeSource.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("submitting frame: %w", err)
	}
	return id, nil
}

// HandleResult receives results from the frame worker
func (s *Service) HandleResult(result frame.Result) {
	s.mu.Lock()
	s.latest = &result
	duplicate := result.Detection.Found() && result.Detection.Digits == s.lastFrameDigits
	s.mu.Unlock()

	if !result.Detection.Found() || duplicate {
		return
	}

	scan := newScan(s.idGenerator.Generate(), result.Detection, SourceFrame, s.timeSource.Now())
	scan.FrameID = result.FrameID
	if err := s.db.SaveScan(scan); err != nil {
		slog.Error("Failed to save frame scan", "frame_id", result.FrameID, "error", err)
		return
	}

	// Only persisted cards count as seen
	s.mu.Lock()
	s.lastFrameDigits = result.Detection.Digits
	s.mu.Unlock()

	slog.Info("Card detected", "scan_id", scan.ID, "source", scan.Source, "issuer", scan.Issuer, "number", scan.Number)
}

// Latest returns the most recent frame result, if any
func (s *Service) Latest() (*frame.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil, false
	}
	result := *s.latest
	return &result, true
}

// RunFrames runs the frame worker until ctx is done or CloseFrames is called
func (s *Service) RunFrames(ctx context.Context) error {
	return s.analyzer.Run(ctx)
}

// CloseFrames stops accepting frames and stops the worker
func (s *Service) CloseFrames() {
	s.analyzer.Close()
}

// FrameStats returns the frame worker counters
func (s *Service) FrameStats() frame.Stats {
	return s.analyzer.Stats()
}

// GetScan retrieves a scan by ID
func (s *Service) GetScan(id string) (*Scan, error) {
	scan, err := s.db.GetScan(id)
	if err != nil {
		return nil, fmt.Errorf("getting scan: %w", err)
	}
	return scan, nil
}

// ListScans returns all scans
func (s *Service) ListScans() ([]*Scan, error) {
	scans, err := s.db.ListScans()
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	return scans, nil
}

// DeleteScan removes a scan and its file
func (s *Service) DeleteScan(id string) error {
	scan, err := s.db.GetScan(id)
	if err != nil {
		return fmt.Errorf("getting scan for deletion: %w", err)
	}

	if scan.Filename != "" && s.storage != nil {
		if err := s.storage.Delete(scan.Filename); err != nil {
			// Log error but continue with database deletion
			slog.Warn("Failed to delete file", "filename", scan.Filename, "error", err)
		}
	}

	if err := s.db.DeleteScan(id); err != nil {
		return fmt.Errorf("deleting scan from database: %w", err)
	}
	return nil
}

// GetScanFile retrieves the stored image for a scan
func (s *Service) GetScanFile(id string) ([]byte, string, error) {
	scan, err := s.db.GetScan(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting scan: %w", err)
	}
	if scan.Filename == "" || s.storage == nil {
		return nil, "", fmt.Errorf("file for scan %s: %w", id, ErrNotFound)
	}

	data, err := s.storage.Get(scan.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting scan file: %w", err)
	}

	return data, scan.ContentType, nil
}

func (s *Service) discardFile(path string) {
	if path == "" {
		return
	}
	if err := s.storage.Delete(path); err != nil {
		slog.Warn("Failed to delete file", "filename", path, "error", err)
	}
}
