package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultTitle = "billfetch"

// Notifier posts run summaries to an ntfy topic. The zero value and a
// Notifier with an empty endpoint do nothing.
type Notifier struct {
	Endpoint string
	Client   *http.Client
}

// New returns a Notifier for endpoint; an empty endpoint disables it.
func New(endpoint string, client *http.Client) *Notifier {
	return &Notifier{Endpoint: strings.TrimSpace(endpoint), Client: client}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.Endpoint != ""
}

// Notify sends message when the notifier is enabled.
func (n *Notifier) Notify(ctx context.Context, message string) error {
	if !n.Enabled() {
		return nil
	}
	return Send(ctx, n.Client, n.Endpoint, defaultTitle, message)
}

// Send posts message to endpoint as plain text, with title in the ntfy
// Title header when set.
func Send(ctx context.Context, client *http.Client, endpoint, title, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")
	if title != "" {
		req.Header.Set("Title", title)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
