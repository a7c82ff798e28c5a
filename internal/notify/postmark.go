package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const postmarkEndpoint = "https://api.postmarkapp.com/email"

// PostmarkNotifier sends email through the Postmark HTTP API.
type PostmarkNotifier struct {
	token      string
	from       string
	replyTo    string
	endpoint   string
	httpClient *http.Client
}

// NewPostmarkNotifier creates a Postmark-backed notifier.
func NewPostmarkNotifier(token, from, replyTo string) *PostmarkNotifier {
	return &PostmarkNotifier{
		token:      token,
		from:       from,
		replyTo:    replyTo,
		endpoint:   postmarkEndpoint,
		httpClient: &http.Client{},
	}
}

type postmarkRequest struct {
	From          string `json:"From"`
	To            string `json:"To"`
	ReplyTo       string `json:"ReplyTo,omitempty"`
	Subject       string `json:"Subject"`
	TextBody      string `json:"TextBody,omitempty"`
	HTMLBody      string `json:"HtmlBody,omitempty"`
	MessageStream string `json:"MessageStream"`
}

type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

func (n *PostmarkNotifier) Notify(ctx context.Context, msg Message) error {
	reqBody := postmarkRequest{
		From:          n.from,
		To:            msg.To,
		ReplyTo:       n.replyTo,
		Subject:       msg.Subject,
		TextBody:      msg.TextBody,
		HTMLBody:      msg.HTMLBody,
		MessageStream: "outbound",
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("notify: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", n.token)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: postmark request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("notify: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: postmark status %d: %s", resp.StatusCode, string(body))
	}

	var pmResp postmarkResponse
	if err := json.Unmarshal(body, &pmResp); err != nil {
		return fmt.Errorf("notify: decode response: %w", err)
	}
	if pmResp.ErrorCode != 0 {
		return fmt.Errorf("notify: postmark error %d: %s", pmResp.ErrorCode, pmResp.Message)
	}

	return nil
}
