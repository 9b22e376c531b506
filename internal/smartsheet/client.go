package smartsheet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/curtbushko/smartsheet-attachments/internal/config"
	"github.com/curtbushko/smartsheet-attachments/internal/logging"
)

// API defines the Smartsheet operations used by the exporter. Every call that
// takes assumeUser is made on behalf of that user via the Assume-User header.
type API interface {
	ListUsers(ctx context.Context, page, pageSize int) (*ListUsersResponse, error)
	ListSheets(ctx context.Context, assumeUser string, page, pageSize int) (*ListSheetsResponse, error)
	ListAttachments(ctx context.Context, assumeUser string, sheetID int64) ([]Attachment, error)
	GetAttachment(ctx context.Context, assumeUser string, sheetID, attachmentID int64) (*Attachment, error)
	DeleteAttachment(ctx context.Context, assumeUser string, sheetID, attachmentID int64) error
}

// Client implements the API interface
type Client struct {
	httpClient *RetryHTTPClient
	baseURL    string
}

// NewClient creates a new Smartsheet API client
func NewClient(httpClient *RetryHTTPClient, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// NewClientFromConfig wires the bearer token transport and retry client from configuration
func NewClientFromConfig(cfg config.SmartsheetConfig, logger logging.Logger) (*Client, error) {
	src, err := NewTokenSource(cfg.AccessToken)
	if err != nil {
		return nil, err
	}

	httpConfig := HTTPClientConfigFromSmartsheetConfig(cfg)
	httpConfig.Transport = NewAuthTransport(src, http.DefaultTransport)

	return NewClient(NewRetryHTTPClient(httpConfig, logger), cfg.BaseURL), nil
}

// ListUsers retrieves one page of organization users
func (c *Client) ListUsers(ctx context.Context, page, pageSize int) (*ListUsersResponse, error) {
	endpoint := c.baseURL + "/users?" + pageQuery(page, pageSize).Encode()

	var result ListUsersResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, "", &result); err != nil {
		return nil, fmt.Errorf("failed to list users (page %d): %w", page, err)
	}
	return &result, nil
}

// ListSheets retrieves one page of the sheets visible to assumeUser
func (c *Client) ListSheets(ctx context.Context, assumeUser string, page, pageSize int) (*ListSheetsResponse, error) {
	endpoint := c.baseURL + "/sheets?" + pageQuery(page, pageSize).Encode()

	var result ListSheetsResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, assumeUser, &result); err != nil {
		return nil, fmt.Errorf("failed to list sheets for %s (page %d): %w", assumeUser, page, err)
	}
	return &result, nil
}

// ListAttachments retrieves every attachment on a sheet, including row and
// comment attachments
func (c *Client) ListAttachments(ctx context.Context, assumeUser string, sheetID int64) ([]Attachment, error) {
	query := url.Values{}
	query.Set("includeAll", "true")
	endpoint := fmt.Sprintf("%s/sheets/%d/attachments?%s", c.baseURL, sheetID, query.Encode())

	var result ListAttachmentsResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, assumeUser, &result); err != nil {
		return nil, fmt.Errorf("failed to list attachments for sheet %d: %w", sheetID, err)
	}
	return result.Data, nil
}

// GetAttachment retrieves one attachment including its time-limited download URL
func (c *Client) GetAttachment(ctx context.Context, assumeUser string, sheetID, attachmentID int64) (*Attachment, error) {
	endpoint := fmt.Sprintf("%s/sheets/%d/attachments/%d", c.baseURL, sheetID, attachmentID)

	var result Attachment
	if err := c.doJSON(ctx, http.MethodGet, endpoint, assumeUser, &result); err != nil {
		return nil, fmt.Errorf("failed to get attachment %d on sheet %d: %w", attachmentID, sheetID, err)
	}
	return &result, nil
}

// DeleteAttachment removes an attachment from a sheet
func (c *Client) DeleteAttachment(ctx context.Context, assumeUser string, sheetID, attachmentID int64) error {
	endpoint := fmt.Sprintf("%s/sheets/%d/attachments/%d", c.baseURL, sheetID, attachmentID)

	var result Result
	if err := c.doJSON(ctx, http.MethodDelete, endpoint, assumeUser, &result); err != nil {
		return fmt.Errorf("failed to delete attachment %d on sheet %d: %w", attachmentID, sheetID, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint, assumeUser string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if assumeUser != "" {
		req.Header.Set(AssumeUserHeader, url.QueryEscape(assumeUser))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func pageQuery(page, pageSize int) url.Values {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(pageSize))
	return query
}
