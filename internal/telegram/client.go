// Package telegram is a small Bot API client used to relay chat traffic
// into Telegram channels.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// DefaultBaseURL is the public Bot API host.
const DefaultBaseURL = "https://api.telegram.org"

const (
	maxRetries       = 3
	initialBackoff   = time.Second
	maxResponseBytes = 10 << 20
)

// Client is a thin HTTP wrapper around the Bot API.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a Bot API client. An empty baseURL selects the public host.
func NewClient(token, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{token: token, baseURL: baseURL, http: httpClient}
}

// body produces a fresh request body for every attempt.
type body func() (io.Reader, string, error)

func jsonBody(payload any) body {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// do posts to a Bot API method and decodes the result. A 429 is retried
// after the advertised Retry-After, doubling the wait when none is given.
func do[T any](ctx context.Context, c *Client, method string, mk body) (*T, error) {
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	backoff := initialBackoff

	for attempt := range maxRetries {
		rd, contentType, err := mk()
		if err != nil {
			return nil, fmt.Errorf("telegram: encode %s request: %w", method, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, rd)
		if err != nil {
			return nil, fmt.Errorf("telegram: create %s request: %w", method, err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.http.Do(req)
		if err != nil {
			// The request URL carries the token, keep it out of the message.
			return nil, fmt.Errorf("telegram: %s request failed", method)
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("telegram: read %s response: %w", method, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetries-1 {
			var apiResp APIResponse[json.RawMessage]
			if err := json.Unmarshal(respBody, &apiResp); err == nil && apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
				backoff = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
			} else if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
				backoff = time.Duration(s) * time.Second
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
			continue
		}

		var apiResp APIResponse[T]
		if err := json.Unmarshal(respBody, &apiResp); err != nil {
			return nil, fmt.Errorf("telegram: decode %s response: %w", method, err)
		}
		if !apiResp.OK {
			apiErr := &APIError{Code: apiResp.ErrorCode, Description: apiResp.Description}
			if apiResp.Parameters != nil {
				apiErr.RetryAfter = apiResp.Parameters.RetryAfter
			}
			return nil, apiErr
		}
		return &apiResp.Result, nil
	}
	return nil, fmt.Errorf("telegram: %s: max retries exceeded", method)
}

// SendMessage posts a text message.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	return do[Message](ctx, c, "sendMessage", jsonBody(req))
}

// SendDocument uploads a file with the method matching doc.Kind.
func (c *Client) SendDocument(ctx context.Context, doc Document) (*Message, error) {
	method, field := "sendDocument", "document"
	switch doc.Kind {
	case KindPhoto:
		method, field = "sendPhoto", "photo"
	case KindVideo:
		method, field = "sendVideo", "video"
	case KindAudio:
		method, field = "sendAudio", "audio"
	}
	return do[Message](ctx, c, method, func() (io.Reader, string, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fields := map[string]string{"chat_id": strconv.FormatInt(doc.ChatID, 10)}
		if doc.Caption != "" {
			fields["caption"] = doc.Caption
		}
		if doc.ParseMode != "" {
			fields["parse_mode"] = doc.ParseMode
		}
		if doc.ReplyMarkup != nil {
			kb, err := json.Marshal(doc.ReplyMarkup)
			if err != nil {
				return nil, "", err
			}
			fields["reply_markup"] = string(kb)
		}
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
		part, err := mw.CreateFormFile(field, doc.FileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(doc.Content); err != nil {
			return nil, "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return &buf, mw.FormDataContentType(), nil
	})
}

// SetReaction replaces the reactions on a message with a single emoji.
func (c *Client) SetReaction(ctx context.Context, chatID, messageID int64, emoji string) error {
	_, err := do[bool](ctx, c, "setMessageReaction", jsonBody(setReactionRequest{
		ChatID:    chatID,
		MessageID: messageID,
		Reaction:  []ReactionType{{Type: "emoji", Emoji: emoji}},
	}))
	return err
}
