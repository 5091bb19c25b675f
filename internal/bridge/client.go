// Package bridge is a minimal client for the Bridge study server endpoints
// the sync engine talks to.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/studysync/internal/models"
)

const (
	DefaultBaseURL = "https://webservices.sagebridge.org"
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond

	sessionHeader = "Bridge-Session"
)

// TokenSource returns the current session token, or "" when signed out.
type TokenSource func() string

// Client talks to Bridge over HTTPS with JSON bodies.
type Client struct {
	appID      string
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	backoff    time.Duration
}

// NewClient creates a client for the given app. token is consulted on every
// request so a newly imported session takes effect immediately.
func NewClient(appID string, token TokenSource) *Client {
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		appID:   appID,
		baseURL: DefaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		backoff: initialBackoff,
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
func NewClientWithBaseURL(appID, baseURL string, token TokenSource) *Client {
	c := NewClient(appID, token)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// SearchAdherenceRecords returns one page of the participant's adherence
// records in studyID.
func (c *Client) SearchAdherenceRecords(ctx context.Context, studyID string, search models.AdherenceRecordsSearch) (models.AdherenceRecordList, error) {
	var list models.AdherenceRecordList
	err := c.do(ctx, http.MethodPost, studyPath(studyID, "/participants/self/adherence/search"), search, &list)
	return list, err
}

// UpdateAdherenceRecords uploads a batch of records.
func (c *Client) UpdateAdherenceRecords(ctx context.Context, studyID string, records []models.AdherenceRecord) error {
	return c.do(ctx, http.MethodPost, studyPath(studyID, "/participants/self/adherence"),
		models.AdherenceRecordUpdates{Records: records}, nil)
}

// GetAppConfig returns the raw app config document.
func (c *Client) GetAppConfig(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, "/v1/apps/"+url.PathEscape(c.appID)+"/appconfig", nil, &raw)
	return raw, err
}

// GetStudy returns the raw study document.
func (c *Client) GetStudy(ctx context.Context, studyID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, studyPath(studyID, ""), nil, &raw)
	return raw, err
}

// GetParticipantSchedule returns the participant's raw schedule in studyID.
func (c *Client) GetParticipantSchedule(ctx context.Context, studyID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, studyPath(studyID, "/participants/self/schedule"), nil, &raw)
	return raw, err
}

// UpdateParticipant saves the participant's editable fields.
func (c *Client) UpdateParticipant(ctx context.Context, p models.StudyParticipant) error {
	return c.do(ctx, http.MethodPost, "/v3/participants/self", p, nil)
}

func studyPath(studyID, suffix string) string {
	return "/v5/studies/" + url.PathEscape(studyID) + suffix
}

// do sends one request, retrying HTTP 429 with exponential backoff. A non-2xx
// response is returned as *StatusError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	var lastErr error
	for attempt := range maxRetries {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !isRateLimit(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, body != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Method: method, Path: path, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "studysync")
	if token := c.token(); token != "" {
		req.Header.Set(sessionHeader, token)
	}
}
