// Package remote defines the message-oriented blob service that holds file
// bytes. Content is addressed by durable message ids; the locators carried by
// a message expire, so readers resolve the message again before each read.
package remote

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrTransfer reports a failed send or read.
	ErrTransfer = errors.New("remote transfer failed")
	// ErrLocatorExpired reports a locator that is stale, forged or belongs to another account.
	ErrLocatorExpired = errors.New("remote locator expired")
	// ErrMessageNotFound reports an unknown message id.
	ErrMessageNotFound = errors.New("remote message not found")
	// ErrNoMedia reports a message without any streamable media.
	ErrNoMedia = errors.New("remote message has no media")
	// ErrInvalidCredential reports a credential the service rejects.
	ErrInvalidCredential = errors.New("remote credential rejected")
	// ErrSessionClosed is returned by calls on a closed session.
	ErrSessionClosed = errors.New("remote session closed")
)

// Credential is the durable, unsealed session credential of one account.
type Credential []byte

// MediaKind names the slot a message carries its media in.
type MediaKind string

const (
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaPhoto    MediaKind = "photo"
)

// Media describes one media attachment.
type Media struct {
	Kind     MediaKind `json:"kind"`
	Locator  string    `json:"-"`
	Size     int64     `json:"size"`
	MimeType string    `json:"mime_type,omitempty"`
	FileName string    `json:"file_name,omitempty"`
}

// Message is a resolved message. At most one media slot is normally set.
type Message struct {
	ID       int64     `json:"id"`
	Date     time.Time `json:"date"`
	Document *Media    `json:"document,omitempty"`
	Video    *Media    `json:"video,omitempty"`
	Audio    *Media    `json:"audio,omitempty"`
	Photo    *Media    `json:"photo,omitempty"`
}

// PrimaryMedia returns the first media slot set, checking document, video,
// audio and photo in that order, or nil.
func (m *Message) PrimaryMedia() *Media {
	for _, media := range []*Media{m.Document, m.Video, m.Audio, m.Photo} {
		if media != nil {
			return media
		}
	}
	return nil
}

// ProgressFunc receives the number of bytes sent so far and the total.
type ProgressFunc func(sent, total int64)

// SendRequest describes a file to send to the account's own chat.
type SendRequest struct {
	Path     string
	Name     string
	MimeType string
	// ForceDocument stores the file in the document slot regardless of type.
	ForceDocument bool
	Progress      ProgressFunc
}

// Connector opens sessions for a credential.
type Connector interface {
	Connect(ctx context.Context, cred Credential) (Session, error)
}

// Session is a connected client for one account. Close must be called exactly
// once; it is safe to call it again.
type Session interface {
	// Account returns a stable id of the account the credential is bound to.
	// Two credentials of the same account report the same id.
	Account() string
	Send(ctx context.Context, req SendRequest) (*Message, error)
	Resolve(ctx context.Context, messageID int64) (*Message, error)
	// Stream reads the media behind locator starting at offset. A limit of 0
	// reads to the end.
	Stream(ctx context.Context, locator string, offset, limit int64) (io.ReadCloser, error)
	Close() error
}
