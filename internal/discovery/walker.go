// Package discovery enumerates organization users and the sheets each of them owns
package discovery

import (
	"context"
	"fmt"

	"github.com/curtbushko/smartsheet-attachments/internal/email"
	"github.com/curtbushko/smartsheet-attachments/internal/logging"
	"github.com/curtbushko/smartsheet-attachments/internal/smartsheet"
)

const (
	// DefaultUsersPageSize is the page size for the organization user listing
	DefaultUsersPageSize = 100
	// DefaultSheetsPageSize is the page size for a user's sheet listing
	DefaultSheetsPageSize = 1000
)

// Lister is the part of the platform API the walker needs
type Lister interface {
	ListUsers(ctx context.Context, page, pageSize int) (*smartsheet.ListUsersResponse, error)
	ListSheets(ctx context.Context, assumeUser string, page, pageSize int) (*smartsheet.ListSheetsResponse, error)
}

// SheetDescriptor is a sheet owned by OwnerEmail
type SheetDescriptor struct {
	ID          int64
	Name        string
	AccessLevel string
	OwnerEmail  string
}

// Config holds walker configuration
type Config struct {
	UsersPageSize  int
	SheetsPageSize int
	// OnlyUsers restricts the walk to these owner emails when non-empty
	OnlyUsers email.Set
}

// Result is the outcome of a full walk
type Result struct {
	Users       []smartsheet.User
	Sheets      []SheetDescriptor
	DeniedUsers []string
	FailedUsers []string
}

// Walker pages through users and their owned sheets
type Walker struct {
	api    Lister
	config Config
	logger logging.Logger
}

// NewWalker creates a new walker
func NewWalker(api Lister, config Config, logger logging.Logger) *Walker {
	if config.UsersPageSize <= 0 {
		config.UsersPageSize = DefaultUsersPageSize
	}
	if config.SheetsPageSize <= 0 {
		config.SheetsPageSize = DefaultSheetsPageSize
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Walker{api: api, config: config, logger: logger}
}

// ListOrgUsers returns every user in the organization in API order. A page
// failure ends the listing; the users accumulated so far are returned
// together with the error.
func (w *Walker) ListOrgUsers(ctx context.Context) ([]smartsheet.User, error) {
	var users []smartsheet.User

	for page, totalPages := 1, 1; page <= totalPages; page++ {
		if err := ctx.Err(); err != nil {
			return users, err
		}

		resp, err := w.api.ListUsers(ctx, page, w.config.UsersPageSize)
		if err != nil {
			w.logger.ErrorWithContext(ctx, "User listing stopped at page %d: %v", page, err)
			return users, err
		}

		users = append(users, resp.Data...)
		totalPages = resp.TotalPages
	}

	w.logger.InfoWithContext(ctx, "Found %d users in the organization", len(users))
	return users, nil
}

// ListOwnedSheets returns the sheets user owns, impersonating them. When the
// user cannot be impersonated nothing is returned and the error satisfies
// smartsheet.IsImpersonationDenied. Any other page failure ends the listing
// and the sheets accumulated so far are returned with the error.
func (w *Walker) ListOwnedSheets(ctx context.Context, user smartsheet.User) ([]SheetDescriptor, error) {
	var sheets []SheetDescriptor

	for page, totalPages := 1, 1; page <= totalPages; page++ {
		if err := ctx.Err(); err != nil {
			return sheets, err
		}

		resp, err := w.api.ListSheets(ctx, user.Email, page, w.config.SheetsPageSize)
		if err != nil {
			if smartsheet.IsImpersonationDenied(err) {
				w.logger.WarnWithContext(ctx, "Skipping user %s: cannot be impersonated (error code %d)", user.Email, smartsheet.ErrorCode(err))
				return nil, err
			}
			w.logger.ErrorWithContext(ctx, "Sheet listing for %s stopped at page %d: %v", user.Email, page, err)
			return sheets, err
		}

		for _, sheet := range resp.Data {
			if sheet.AccessLevel != smartsheet.AccessLevelOwner {
				continue
			}
			sheets = append(sheets, SheetDescriptor{
				ID:          sheet.ID,
				Name:        sheet.Name,
				AccessLevel: sheet.AccessLevel,
				OwnerEmail:  user.Email,
			})
		}
		totalPages = resp.TotalPages
	}

	w.logger.InfoWithContext(ctx, "User %s owns %d sheets", user.Email, len(sheets))
	return sheets, nil
}

// Walk lists users and then each user's owned sheets. It fails only when the
// user listing errored before producing any user.
func (w *Walker) Walk(ctx context.Context) (*Result, error) {
	users, err := w.ListOrgUsers(ctx)
	if err != nil && len(users) == 0 {
		return nil, fmt.Errorf("failed to list organization users: %w", err)
	}

	users = w.filterUsers(ctx, users)
	result := &Result{Users: users}
	seen := make(map[int64]struct{})

	for _, user := range users {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		sheets, err := w.ListOwnedSheets(ctx, user)
		switch {
		case err != nil && smartsheet.IsImpersonationDenied(err):
			result.DeniedUsers = append(result.DeniedUsers, user.Email)
		case err != nil:
			result.FailedUsers = append(result.FailedUsers, user.Email)
		}
		for _, sheet := range sheets {
			if _, dup := seen[sheet.ID]; dup {
				w.logger.DebugWithContext(ctx, "Sheet %d (%s) listed more than once, keeping the first occurrence", sheet.ID, sheet.Name)
				continue
			}
			seen[sheet.ID] = struct{}{}
			result.Sheets = append(result.Sheets, sheet)
		}
	}

	return result, nil
}

func (w *Walker) filterUsers(ctx context.Context, users []smartsheet.User) []smartsheet.User {
	if len(w.config.OnlyUsers) == 0 {
		return users
	}

	seen := email.NewSet()
	filtered := make([]smartsheet.User, 0, len(w.config.OnlyUsers))
	for _, user := range users {
		if w.config.OnlyUsers.Contains(user.Email) {
			filtered = append(filtered, user)
			seen.Add(user.Email)
		}
	}

	for requested := range w.config.OnlyUsers {
		if !seen.Contains(requested) {
			w.logger.WarnWithContext(ctx, "Requested user %s was not found in the organization", requested)
		}
	}
	return filtered
}
