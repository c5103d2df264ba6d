// Package gmail is a thin client for the one outbound call the dispatcher
// needs: marking a consumed email notification as processed so the push feed
// stops redelivering it. OAuth is the caller's concern; inject an http.Client
// whose transport attaches credentials.
package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://gmail.googleapis.com"

// processedLabel marks messages the reminder pipeline has consumed.
const processedLabel = "Label_remindd_processed"

type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// New creates a client acting as userID ("me" for the authorized user).
// httpClient must carry OAuth credentials; pass nil for a bare default client.
func New(userID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    defaultBaseURL,
		userID:     userID,
		httpClient: httpClient,
	}
}

// NewWithBaseURL points the client at a different API host (tests).
func NewWithBaseURL(userID string, httpClient *http.Client, baseURL string) *Client {
	c := New(userID, httpClient)
	c.baseURL = baseURL
	return c
}

type modifyRequest struct {
	AddLabelIDs    []string `json:"addLabelIds,omitempty"`
	RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
}

// MarkProcessed labels the message as consumed and clears its unread flag.
// Applying the same labels twice is a no-op upstream, so retries are safe.
func (c *Client) MarkProcessed(ctx context.Context, messageID string) error {
	body, err := json.Marshal(modifyRequest{
		AddLabelIDs:    []string{processedLabel},
		RemoveLabelIDs: []string{"UNREAD"},
	})
	if err != nil {
		return fmt.Errorf("marshalling modify request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/gmail/v1/users/%s/messages/%s/modify",
		c.baseURL, url.PathEscape(c.userID), url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling gmail modify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gmail modify returned HTTP %d for message %s", resp.StatusCode, messageID)
	}
	return nil
}
