package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"joatu/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookDispatcher POSTs each notification as JSON to one endpoint.
type WebhookDispatcher struct {
	Platform string
	Hook     config.WebhookConfig
	Client   *http.Client
	filter   eventFilter
}

func NewWebhookDispatcher(platform string, hook config.WebhookConfig) *WebhookDispatcher {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookDispatcher{
		Platform: platform,
		Hook:     hook,
		Client:   &http.Client{Timeout: timeout},
		filter:   newEventFilter(hook.Events),
	}
}

func (d *WebhookDispatcher) Name() string { return "webhook:" + d.Hook.URL }

func (d *WebhookDispatcher) Accepts(eventType string) bool {
	return d.filter.match(eventType)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) Deliver(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Joatu-Event", n.EventType)
	req.Header.Set("X-Joatu-Delivery", strconv.FormatInt(n.EventID, 10))
	req.Header.Set("X-Joatu-Platform", d.Platform)
	if secret := strings.TrimSpace(d.Hook.Secret); secret != "" {
		req.Header.Set("X-Joatu-Signature", "sha256="+Sign(secret, data))
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", d.Hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
