package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Op is a single component of an edit operation.
type Op struct {
	Position int    `json:"p,omitempty"`
	Insert   string `json:"i,omitempty"`
	Delete   string `json:"d,omitempty"`
	Comment  string `json:"c,omitempty"`
	Thread   string `json:"t,omitempty"`
}

// UpdateMeta carries sender attribution on an update. Source and UserID
// are stamped by the broker before the update is queued.
type UpdateMeta struct {
	Source       string `json:"source,omitempty"` // sender's public client id
	UserID       string `json:"user_id,omitempty"`
	Timestamp    int64  `json:"ts,omitempty"` // unix milliseconds
	TrackChanges bool   `json:"tc,omitempty"` // tracked-change operation
}

// Update is one edit operation against a document version.
type Update struct {
	DocID   string     `json:"doc,omitempty"`
	Version int64      `json:"v"`
	Ops     []Op       `json:"op,omitempty"`
	Meta    UpdateMeta `json:"meta,omitempty"`
}

// CommentOnly reports whether every op in the update is a comment op.
// Comment-only updates need view+comment rights rather than edit rights.
func (u *Update) CommentOnly() bool {
	if len(u.Ops) == 0 {
		return false
	}
	for _, op := range u.Ops {
		if op.Comment == "" {
			return false
		}
	}
	return true
}

// Ranges is the comment and tracked-change metadata attached to a
// document.
type Ranges struct {
	Comments []json.RawMessage `json:"comments,omitempty"`
	Changes  []json.RawMessage `json:"changes,omitempty"`
}

// Document is the state returned when a client joins a doc.
type Document struct {
	Lines   []string          `json:"lines"`
	Version int64             `json:"version"`
	Ranges  Ranges            `json:"ranges"`
	Ops     []json.RawMessage `json:"ops,omitempty"` // ops since fromVersion
}

// DocUpdater is the client for the document-updater service, which owns
// live document state and the pending-operation queue.
type DocUpdater struct {
	baseURL       string
	maxUpdateSize int
}

// NewDocUpdater creates a client for the document updater at baseURL.
// Updates whose JSON encoding exceeds maxUpdateSize bytes are rejected
// locally with ErrUpdateTooLarge.
func NewDocUpdater(baseURL string, maxUpdateSize int) *DocUpdater {
	return &DocUpdater{baseURL: baseURL, maxUpdateSize: maxUpdateSize}
}

// GetDocument fetches a document's lines, version and ranges, plus the
// operations applied since fromVersion (-1 for none).
func (d *DocUpdater) GetDocument(ctx context.Context, projectID, docID string, fromVersion int64) (*Document, error) {
	reqURL := fmt.Sprintf("%s/project/%s/doc/%s?fromVersion=%d",
		d.baseURL, url.PathEscape(projectID), url.PathEscape(docID), fromVersion)
	var doc Document
	if err := getJSON(ctx, reqURL, &doc); err != nil {
		return nil, fmt.Errorf("get doc %s: %w", docID, err)
	}
	return &doc, nil
}

// CheckDocument probes whether the document exists and is accessible
// within the project. Used as the authorization fallback when a client
// has no cached access grant for the doc.
func (d *DocUpdater) CheckDocument(ctx context.Context, projectID, docID string) error {
	reqURL := fmt.Sprintf("%s/project/%s/doc/%s/status",
		d.baseURL, url.PathEscape(projectID), url.PathEscape(docID))
	if err := getJSON(ctx, reqURL, nil); err != nil {
		return fmt.Errorf("check doc %s: %w", docID, err)
	}
	return nil
}

// QueueChange enqueues a pending edit operation. The size bound is
// enforced here, before the request goes out, so an oversized update
// never reaches the backend.
func (d *DocUpdater) QueueChange(ctx context.Context, projectID, docID string, update *Update) error {
	encoded, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if len(encoded) > d.maxUpdateSize {
		return fmt.Errorf("%w (%d bytes)", ErrUpdateTooLarge, len(encoded))
	}
	reqURL := fmt.Sprintf("%s/project/%s/doc/%s",
		d.baseURL, url.PathEscape(projectID), url.PathEscape(docID))
	if err := postJSON(ctx, reqURL, update, nil); err != nil {
		return fmt.Errorf("queue change for doc %s: %w", docID, err)
	}
	return nil
}

// FlushProject asks the document updater to flush and evict all state
// for the project. Called once the last local client has left.
func (d *DocUpdater) FlushProject(ctx context.Context, projectID string) error {
	reqURL := fmt.Sprintf("%s/project/%s", d.baseURL, url.PathEscape(projectID))
	if err := del(ctx, reqURL); err != nil {
		return fmt.Errorf("flush project %s: %w", projectID, err)
	}
	return nil
}
