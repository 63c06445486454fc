package mailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client delivers notification emails through an external mail gateway.
// With skip enabled it only logs, so dev setups need no gateway running.
type Client struct {
	baseURL string
	skip    bool
	http    *http.Client
}

// New creates a mail client.
func New(baseURL string, skip bool) *Client {
	return &Client{
		baseURL: baseURL,
		skip:    skip,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type sendRequest struct {
	StudentID string `json:"student_id"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Send posts one message to the gateway.
func (c *Client) Send(ctx context.Context, studentID, subject, body string) error {
	if c.skip {
		log.Printf("mail skipped: to=%s subject=%q", studentID, subject)
		return nil
	}
	payload, err := json.Marshal(sendRequest{StudentID: studentID, Subject: subject, Body: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail gateway returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// Health checks gateway reachability.
func (c *Client) Health(ctx context.Context) error {
	if c.skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mail gateway unhealthy: %d", resp.StatusCode)
	}
	return nil
}
