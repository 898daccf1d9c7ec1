package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"vaultline/internal/task"
)

// Bridge posts approved content to a platform connector over HTTP.
// The connector owns the authenticated platform session; this side
// owns retries, evidence and the audit trail. One Bridge per platform.
type Bridge struct {
	Name     string
	Endpoint string
	Client   *http.Client
}

func (b Bridge) Platform() string      { return b.Name }
func (b Bridge) RequiresSession() bool { return true }

type bridgeRequest struct {
	Platform  string `json:"platform"`
	Type      string `json:"type"`
	Caption   string `json:"caption,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
	LinkURL   string `json:"link_url,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Body      string `json:"body,omitempty"`
}

type bridgeResponse struct {
	Posted   bool   `json:"posted"`
	Verified bool   `json:"verified"`
	URL      string `json:"url,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (b Bridge) client() *http.Client {
	if b.Client != nil {
		return b.Client
	}
	return http.DefaultClient
}

func (b Bridge) Execute(ctx context.Context, t task.Task) (Result, error) {
	if b.Endpoint == "" {
		return Result{}, fmt.Errorf("%w: no endpoint configured for %s", ErrConfig, b.Name)
	}
	payload, err := json.Marshal(bridgeRequest{
		Platform:  b.Name,
		Type:      string(t.Meta.Kind),
		Caption:   t.Meta.Caption,
		ImagePath: t.Meta.ImagePath,
		LinkURL:   t.Meta.LinkURL,
		ReplyTo:   t.Meta.SourceID,
		Recipient: t.Meta.Sender,
		Body:      t.Body,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client().Do(req)
	if err != nil {
		// The request may never have reached the connector, but if it
		// did, the connector deduplicates by reply_to, so a retry is
		// safe.
		return Result{}, fmt.Errorf("%w: %v", ErrRetry, err)
	}
	defer resp.Body.Close()

	var out bridgeResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, fmt.Errorf("%w: %s session rejected, log in again", ErrConfig, b.Name)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return Result{}, fmt.Errorf("%w: connector rejected task: %s", ErrValidation, out.Message)
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("%w: connector returned %s", ErrRetry, resp.Status)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return Result{}, fmt.Errorf("%w: unexpected status %s", ErrRetry, resp.Status)
	}
	if decodeErr != nil {
		return Result{}, fmt.Errorf("%w: unreadable connector response: %v", ErrManualVerify, decodeErr)
	}
	if out.Posted && !out.Verified {
		return Result{}, fmt.Errorf("%w: %s accepted the post but could not confirm it", ErrManualVerify, b.Name)
	}
	if !out.Posted {
		return Result{}, fmt.Errorf("%w: connector did not post: %s", ErrRetry, out.Message)
	}
	return Result{Note: "posted", Details: map[string]any{"url": out.URL}}, nil
}
