package card

import (
	"time"

	"github.com/zombor/card-scanner/internal/cardmatch"
)

// Source records how the text behind a scan reached the service
type Source string

const (
	SourceUpload Source = "upload" // single image, analyzed synchronously
	SourceFrame  Source = "frame"  // camera frame, analyzed by the background worker
	SourceText   Source = "text"   // text recognized on the client
)

// Scan is a persisted card detection. Number is always masked.
type Scan struct {
	ID          string           `json:"id"`
	Number      string           `json:"number"`
	Issuer      cardmatch.Issuer `json:"issuer"`
	Expiry      string           `json:"expiry,omitempty"`
	LuhnValid   bool             `json:"luhn_valid"`
	Source      Source           `json:"source"`
	FrameID     string           `json:"frame_id,omitempty"`
	Filename    string           `json:"filename,omitempty"`
	ContentType string           `json:"content_type,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func newScan(id string, d cardmatch.Detection, source Source, now time.Time) *Scan {
	return &Scan{
		ID:        id,
		Number:    d.Masked(),
		Issuer:    d.Issuer,
		Expiry:    d.Expiry,
		LuhnValid: d.LuhnValid,
		Source:    source,
		CreatedAt: now,
	}
}

// Outcome is what a synchronous scan returns to the caller.
// Scan is nil when no card number was found.
type Outcome struct {
	Detection cardmatch.Detection `json:"detection"`
	Text      string              `json:"text"`
	Scan      *Scan               `json:"scan,omitempty"`
}
