// Package telegram is a thin Bot API client: just enough to push reminder
// notifications with an inline keyboard. Inbound updates arrive over the
// webhook and are handled by the api package.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.telegram.org"

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(token string) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewWithBaseURL points the client at a different API host (tests).
func NewWithBaseURL(token, baseURL string) *Client {
	c := New(token)
	c.baseURL = baseURL
	return c
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type sendMessageRequest struct {
	ChatID      int64  `json:"chat_id"`
	Text        string `json:"text"`
	ReplyMarkup *struct {
		InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
	} `json:"reply_markup,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendReminder delivers a fired reminder to the chat, with inline buttons for
// acknowledging or snoozing it. Safe to attempt twice: the worst case is a
// duplicate chat message, never duplicate state.
func (c *Client) SendReminder(ctx context.Context, chatID int64, reminderID, text string) error {
	req := sendMessageRequest{
		ChatID: chatID,
		Text:   fmt.Sprintf("⏰ %s\n(id %s)", text, reminderID),
	}
	req.ReplyMarkup = &struct {
		InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
	}{
		InlineKeyboard: [][]inlineButton{{
			{Text: "Done", CallbackData: "ack:" + reminderID},
			{Text: "Snooze 1h", CallbackData: "snooze:" + reminderID + ":1h"},
		}},
	}
	return c.call(ctx, "sendMessage", req)
}

func (c *Client) call(ctx context.Context, method string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if !result.OK {
		return fmt.Errorf("%s failed: %s (HTTP %d)", method, result.Description, resp.StatusCode)
	}
	return nil
}
