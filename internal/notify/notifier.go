package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Result records whether a send was accepted. The core never blocks on
// delivery confirmation beyond this.
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, to, subject, body string) Result
}

// HTTPSender posts to an external notification service. A nil or unconfigured
// sender degrades to a no-op failure result rather than an error.
type HTTPSender struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSender(baseURL string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSender{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (n *HTTPSender) Send(ctx context.Context, to, subject, body string) Result {
	if n == nil || n.baseURL == "" {
		return Result{Success: false, Error: "notification service not configured"}
	}
	payload, _ := json.Marshal(map[string]string{
		"to":      to,
		"subject": subject,
		"body":    body,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/v1/send", bytes.NewReader(payload))
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Result{Success: false, Error: resp.Status}
	}
	var out struct {
		MessageID string `json:"message_id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return Result{Success: true, MessageID: out.MessageID}
}

// RecordingSender captures sends for tests and DSN-less deployments.
type RecordingSender struct {
	mu   sync.Mutex
	sent []SentMessage
}

type SentMessage struct {
	To      string
	Subject string
	Body    string
}

func (r *RecordingSender) Send(_ context.Context, to, subject, body string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, SentMessage{To: to, Subject: subject, Body: body})
	return Result{Success: true, MessageID: "recorded"}
}

func (r *RecordingSender) Sent() []SentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SentMessage(nil), r.sent...)
}
