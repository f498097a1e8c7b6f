package card

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/card-scanner/internal/frame"
)

// maxUploadSize is large enough for full resolution phone photos
const maxUploadSize = int64(50 << 20)

// maxTextSize bounds the body of a recognized text request
const maxTextSize = int64(64 << 10)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// corsError writes a plain text error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON error body
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// upload is a file read from a multipart form
type upload struct {
	filename    string
	data        []byte
	contentType string
}

// readUpload reads the "file" field of a multipart form.
// It writes the error response itself and returns false on failure.
func readUpload(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || err.Error() == "http: request body too large" {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return nil, false
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return nil, false
	}

	return &upload{
		filename:    header.Filename,
		data:        data,
		contentType: detectContentType(header.Header.Get("Content-Type"), header.Filename),
	}, true
}

// detectContentType falls back to the file extension when no content type was sent
func detectContentType(contentType, filename string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleUploadScan recognizes a single uploaded image
func (s *Server) handleUploadScan(w http.ResponseWriter, r *http.Request) {
	up, ok := readUpload(w, r)
	if !ok {
		return
	}

	outcome, err := s.service.ScanImage(r.Context(), up.filename, up.data, up.contentType)
	if err != nil {
		slog.Error("Error scanning image", "filename", up.filename, "error", err)
		if errors.Is(err, ErrRecognition) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		jsonError(w, "Error saving scan. Please try again.", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	if outcome.Scan != nil {
		writeJSON(w, http.StatusCreated, outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleMatchText runs detection on text recognized by the client
func (s *Server) handleMatchText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}

	if err := json.NewDecoder(io.LimitReader(r.Body, maxTextSize)).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := s.service.MatchText(req.Text)
	if err != nil {
		slog.Error("Error matching text", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, outcome)
}

// handleSubmitFrame queues a camera frame for background analysis
func (s *Server) handleSubmitFrame(w http.ResponseWriter, r *http.Request) {
	up, ok := readUpload(w, r)
	if !ok {
		return
	}

	id, err := s.service.SubmitFrame(up.data, up.contentType)
	if err != nil {
		if errors.Is(err, frame.ErrClosed) {
			jsonError(w, "Frame analysis is shutting down", http.StatusServiceUnavailable)
			return
		}
		slog.Error("Error submitting frame", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusAccepted, map[string]string{"frame_id": id})
}

// handleLatestFrame returns the last frame result, the scanner's "label"
func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	result, ok := s.service.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleFrameStats returns the frame worker counters
func (s *Server) handleFrameStats(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, s.service.FrameStats())
}

// handleListScans returns a list of all scans
func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.service.ListScans()
	if err != nil {
		slog.Error("Error listing scans", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Ensure we always return an array, not nil
	if scans == nil {
		scans = []*Scan{}
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, scans)
}

// handleGetScan returns a single scan
func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	scan, err := s.service.GetScan(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			corsError(w, "Scan not found", http.StatusNotFound)
			return
		}
		slog.Error("Error getting scan", "id", id, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, scan)
}

// handleGetScanFile returns the stored image for a scan
func (s *Server) handleGetScanFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, contentType, err := s.service.GetScanFile(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			corsError(w, "File not found", http.StatusNotFound)
			return
		}
		slog.Error("Error getting scan file", "id", id, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteScan deletes a scan
func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.DeleteScan(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			corsError(w, "Scan not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting scan", "id", id, "error", err)
		corsError(w, "Error deleting scan", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
