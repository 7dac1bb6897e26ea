// Package problem implements RFC 7807 problem responses and the mapping
// from refstore errors to HTTP statuses.
package problem

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tendant/simple-refstore/pkg/refstore"
)

// ContentType is the media type of problem bodies
const ContentType = "application/problem+json"

// Problem type URIs
const (
	TypeBase        = "https://refstore.dev/problems/"
	TypeUseSnapshot = TypeBase + "useSnapshot"
	TypeNotFound    = TypeBase + "notFound"
	TypeBadRequest  = TypeBase + "badRequest"
	TypeInternal    = TypeBase + "internal"
)

// Problem is an RFC 7807 problem document. SnapshotID and SnapshotNamespace
// are set on useSnapshot problems.
type Problem struct {
	Type              string `json:"type"`
	Title             string `json:"title"`
	Status            int    `json:"status"`
	Detail            string `json:"detail,omitempty"`
	Instance          string `json:"instance,omitempty"`
	SnapshotID        string `json:"snapshotId,omitempty"`
	SnapshotNamespace string `json:"snapshotNamespace,omitempty"`
}

func (p *Problem) Error() string {
	if p.Detail != "" {
		return p.Title + ": " + p.Detail
	}
	return p.Title
}

// IsUseSnapshot reports whether the problem asks the client to bootstrap
// from a snapshot
func (p *Problem) IsUseSnapshot() bool {
	return strings.HasSuffix(p.Type, "/useSnapshot")
}

// StatusCode returns the HTTP status err maps to
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, refstore.ErrPartialObject), refstore.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, refstore.ErrHashMismatch),
		errors.Is(err, refstore.ErrMissingHash),
		errors.Is(err, refstore.ErrInvalidCursor),
		errors.Is(err, refstore.ErrDeclaredFailedAttachment),
		errors.Is(err, refstore.ErrInvalidName),
		errors.Is(err, refstore.ErrInvalidPayload),
		errors.Is(err, refstore.ErrInvalidOperation),
		errors.Is(err, refstore.ErrInvalidBlobIdentifier),
		errors.Is(err, refstore.ErrAttachmentGraphTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, refstore.ErrReadOnlyTier):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// FromError builds the problem describing err. Internal errors are not
// detailed to the client.
func FromError(err error, instance string) *Problem {
	status := StatusCode(err)
	p := &Problem{
		Status:   status,
		Title:    http.StatusText(status),
		Detail:   err.Error(),
		Instance: instance,
	}
	var cursorErr *refstore.InvalidCursorError
	switch {
	case errors.As(err, &cursorErr):
		p.Type = TypeUseSnapshot
		p.Title = "Invalid replication log cursor"
		if cursorErr.Snapshot != nil {
			p.SnapshotID = cursorErr.Snapshot.SnapshotBlob.String()
			p.SnapshotNamespace = cursorErr.Snapshot.SnapshotNamespace
		}
	case status == http.StatusNotFound:
		p.Type = TypeNotFound
	case status == http.StatusInternalServerError:
		p.Type = TypeInternal
		p.Detail = ""
	default:
		p.Type = TypeBadRequest
	}
	return p
}

// Write renders the problem for err
func Write(w http.ResponseWriter, r *http.Request, err error) {
	WriteProblem(w, r, FromError(err, r.URL.Path))
}

// WriteProblem renders p
func WriteProblem(w http.ResponseWriter, r *http.Request, p *Problem) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(p)
}

// Decode parses a problem body. It returns nil when body is not a problem.
func Decode(body []byte) *Problem {
	var p Problem
	if err := json.Unmarshal(body, &p); err != nil || p.Type == "" {
		return nil
	}
	return &p
}
