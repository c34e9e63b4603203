// Package protocol defines the API request/response types.
package protocol

import "time"

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// ItemResponse describes one filesystem item.
type ItemResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	IsFolder      bool      `json:"is_folder"`
	ParentID      string    `json:"parent_id,omitempty"`
	Owner         string    `json:"owner"`
	Collaborators []string  `json:"collaborators,omitempty"`
	Size          int64     `json:"size"`
	MimeType      string    `json:"mime_type,omitempty"`
	Shared        bool      `json:"shared"`
	CreatedAt     time.Time `json:"created_at"`
}

// Crumb is one breadcrumb entry.
type Crumb struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DashboardResponse is returned by GET /dashboard.
type DashboardResponse struct {
	FolderID    string         `json:"folder_id,omitempty"`
	Breadcrumbs []Crumb        `json:"breadcrumbs"`
	Items       []ItemResponse `json:"items"`
}

// ProfileResponse is returned by GET /profile.
type ProfileResponse struct {
	Identity  string         `json:"identity"`
	FirstName string         `json:"first_name,omitempty"`
	FileCount int            `json:"file_count"`
	Files     []ItemResponse `json:"files"`
}

// UploadQueuedResponse is returned by POST /upload.
type UploadQueuedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// LinkResponse is returned when a share link is created.
type LinkResponse struct {
	Link string `json:"link"`
}

// TeamResponse is returned by GET /folder/team/{id}.
type TeamResponse struct {
	Owner         string   `json:"owner"`
	Collaborators []string `json:"collaborators"`
}

// IDListRequest is the body of the bundle endpoints.
type IDListRequest struct {
	ItemIDs []string `json:"item_ids"`
}

// DeleteBundleResponse is returned by POST /delete/bundle.
type DeleteBundleResponse struct {
	Deleted int `json:"deleted"`
}

// PublicViewResponse is returned by GET /s/{token}. Exactly one of Item or
// Bundle is set.
type PublicViewResponse struct {
	Kind   string          `json:"kind"`
	Item   *ItemResponse   `json:"item,omitempty"`
	Bundle *BundleResponse `json:"bundle,omitempty"`
}

// BundleResponse describes a shared collection.
type BundleResponse struct {
	Token     string         `json:"token"`
	Name      string         `json:"name"`
	Owner     string         `json:"owner"`
	CreatedAt time.Time      `json:"created_at"`
	Items     []ItemResponse `json:"items"`
}

// LoginStartResponse is returned by POST /auth/login/start.
type LoginStartResponse struct {
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResponse is returned once a login completes.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Identity  string    `json:"identity"`
	FirstName string    `json:"first_name,omitempty"`
}

// SSEEvent represents a server-sent event.
type SSEEvent struct {
	Type      string `json:"type"`
	ItemID    string `json:"item_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Progress  int    `json:"progress,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
