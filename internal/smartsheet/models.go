// Package smartsheet defines data structures for the Smartsheet REST API
package smartsheet

import (
	"time"
)

// AttachmentTypeFile is the only attachment type that is exported. Links to
// external storage (GOOGLE_DRIVE, LINK, BOX_COM and so on) are skipped.
const AttachmentTypeFile = "FILE"

// AccessLevelOwner marks a sheet owned by the requesting (or assumed) user
const AccessLevelOwner = "OWNER"

// PageInfo is the pagination envelope shared by all list endpoints
type PageInfo struct {
	PageNumber int `json:"pageNumber"`
	PageSize   int `json:"pageSize"`
	TotalPages int `json:"totalPages"`
	TotalCount int `json:"totalCount"`
}

// User is an organization member
type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Status    string `json:"status,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
}

// ListUsersResponse represents one page of GET /users
type ListUsersResponse struct {
	PageInfo
	Data []User `json:"data"`
}

// Sheet is one entry of GET /sheets
type Sheet struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	AccessLevel string     `json:"accessLevel"`
	Permalink   string     `json:"permalink,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	ModifiedAt  *time.Time `json:"modifiedAt,omitempty"`
}

// ListSheetsResponse represents one page of GET /sheets
type ListSheetsResponse struct {
	PageInfo
	Data []Sheet `json:"data"`
}

// Creator identifies who uploaded an attachment. Either field may be absent.
type Creator struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Attachment is a sheet, row or comment attachment. URL is only present on
// GET /sheets/{sheetId}/attachments/{attachmentId} and expires after
// URLExpiresInMillis.
type Attachment struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	AttachmentType     string     `json:"attachmentType"`
	MimeType           string     `json:"mimeType,omitempty"`
	SizeInKb           int64      `json:"sizeInKb,omitempty"`
	ParentType         string     `json:"parentType,omitempty"`
	ParentID           int64      `json:"parentId,omitempty"`
	CreatedAt          *time.Time `json:"createdAt,omitempty"`
	CreatedBy          *Creator   `json:"createdBy,omitempty"`
	URL                string     `json:"url,omitempty"`
	URLExpiresInMillis int64      `json:"urlExpiresInMillis,omitempty"`
}

// IsFile reports whether the attachment is a stored file
func (a Attachment) IsFile() bool {
	return a.AttachmentType == AttachmentTypeFile
}

// CreatorName returns the creator's name or "" when the API omitted it
func (a Attachment) CreatorName() string {
	if a.CreatedBy == nil {
		return ""
	}
	return a.CreatedBy.Name
}

// CreatorEmail returns the creator's email or "" when the API omitted it
func (a Attachment) CreatorEmail() string {
	if a.CreatedBy == nil {
		return ""
	}
	return a.CreatedBy.Email
}

// CreatedAtString returns the creation time in RFC 3339 or "" when absent
func (a Attachment) CreatedAtString() string {
	if a.CreatedAt == nil {
		return ""
	}
	return a.CreatedAt.UTC().Format(time.RFC3339)
}

// ListAttachmentsResponse represents one page of GET /sheets/{sheetId}/attachments
type ListAttachmentsResponse struct {
	PageInfo
	Data []Attachment `json:"data"`
}

// Result is the envelope returned by mutating endpoints such as DELETE
type Result struct {
	Message    string `json:"message"`
	ResultCode int    `json:"resultCode"`
}
