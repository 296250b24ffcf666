// Package session resolves the immutable parameters of a protected document
// viewing session. A session arrives either through a short-lived in-memory
// navigation payload or through the viewer URL's query parameters; the
// navigation payload wins field by field.
package session

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/fpang/secure-doc-viewer/internal/storage"
)

// ErrNoSession indicates that no session token could be resolved from any
// source. It is the only fatal condition in this package; the caller is
// expected to redirect the user back to the upload entry point.
var ErrNoSession = errors.New("no session token resolvable")

// DocumentType distinguishes raster (pdf) from vector (svg) source documents.
// Only vector documents have a server-side generation phase.
type DocumentType string

const (
	TypePDF DocumentType = "pdf"
	TypeSVG DocumentType = "svg"
)

// CropOverride carries per-document layout adjustments persisted by the
// editor. Every field is independently nullable; nil means "no override for
// this field".
type CropOverride struct {
	OffsetX      *float64 `json:"offsetX,omitempty"`
	OffsetY      *float64 `json:"offsetY,omitempty"`
	Width        *float64 `json:"width,omitempty"`
	Height       *float64 `json:"height,omitempty"`
	Margin       *float64 `json:"margin,omitempty"`
	Rotation     *float64 `json:"rotation,omitempty"`
	Alignment    *string  `json:"alignment,omitempty"`
	Proportional *bool    `json:"proportional,omitempty"`
}

// Session holds the resolved, immutable viewing-session parameters. It is
// owned by the workflow controller and shared read-only with the
// coordinators.
type Session struct {
	Token           string
	DocumentID      string
	DocumentType    DocumentType
	DocumentTitle   string
	RemainingPrints int
	MaxPrints       int
	Crop            *CropOverride
}

// NavPayload is the in-memory navigation state handed over by the previous
// view. Zero values mean "not provided"; the Crop pointer distinguishes an
// explicit override from absence.
type NavPayload struct {
	SessionToken    string
	DocumentID      string
	DocumentType    string
	DocumentTitle   string
	RemainingPrints string
	MaxPrints       string
	Crop            *CropOverride
}

// cropStorageKey returns the ephemeral storage key for a document's crop
// override.
func cropStorageKey(documentID string) string {
	return "cropOverride:" + documentID
}

// Resolve produces the Session from the navigation payload and the viewer
// URL query, with the payload taking precedence field by field. The store is
// consulted only for the crop override when the payload carries none.
//
// Numeric fields parse defensively: anything that is not a non-negative
// integer resolves to 0. The only error Resolve can return is ErrNoSession.
func Resolve(nav *NavPayload, query url.Values, store storage.Store) (*Session, error) {
	if nav == nil {
		nav = &NavPayload{}
	}

	token := pick(nav.SessionToken, query.Get("sessionToken"))
	if token == "" {
		return nil, ErrNoSession
	}

	sess := &Session{
		Token:           token,
		DocumentID:      pick(nav.DocumentID, query.Get("documentId")),
		DocumentTitle:   pick(nav.DocumentTitle, query.Get("documentTitle")),
		DocumentType:    parseDocumentType(pick(nav.DocumentType, query.Get("documentType"))),
		RemainingPrints: parseCount(pick(nav.RemainingPrints, query.Get("remainingPrints"))),
		MaxPrints:       parseCount(pick(nav.MaxPrints, query.Get("maxPrints"))),
		Crop:            nav.Crop,
	}

	if sess.Crop == nil && sess.DocumentID != "" && store != nil {
		sess.Crop = loadCropOverride(store, sess.DocumentID)
	}

	log.Debug().
		Str("documentId", sess.DocumentID).
		Str("documentType", string(sess.DocumentType)).
		Int("remainingPrints", sess.RemainingPrints).
		Int("maxPrints", sess.MaxPrints).
		Bool("hasCrop", sess.Crop != nil).
		Msg("Session resolved")

	return sess, nil
}

// SaveCropOverride persists a crop override for a document. Best effort: a
// storage failure is logged, never surfaced.
func SaveCropOverride(store storage.Store, documentID string, crop *CropOverride) {
	if store == nil || documentID == "" || crop == nil {
		return
	}
	data, err := json.Marshal(crop)
	if err != nil {
		log.Warn().Err(err).Str("documentId", documentID).Msg("Failed to encode crop override")
		return
	}
	if err := store.Set(cropStorageKey(documentID), string(data)); err != nil {
		log.Warn().Err(err).Str("documentId", documentID).Msg("Failed to persist crop override")
	}
}

// loadCropOverride reads a stored crop override. Missing or malformed data
// is treated as "no override", never as an error.
func loadCropOverride(store storage.Store, documentID string) *CropOverride {
	raw, err := store.Get(cropStorageKey(documentID))
	if err != nil {
		return nil
	}
	var crop CropOverride
	if err := json.Unmarshal([]byte(raw), &crop); err != nil {
		log.Warn().Err(err).Str("documentId", documentID).Msg("Discarding malformed crop override")
		return nil
	}
	return &crop
}

// pick returns primary if non-empty, else fallback.
func pick(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

// parseDocumentType defaults anything other than "svg" to pdf.
func parseDocumentType(s string) DocumentType {
	if s == string(TypeSVG) {
		return TypeSVG
	}
	return TypePDF
}

// parseCount parses a non-negative integer, yielding 0 for missing,
// malformed, or negative input.
func parseCount(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
