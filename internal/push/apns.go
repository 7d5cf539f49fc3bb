package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// APNSProvider sends push messages to iOS devices via Apple Push
// Notification service's HTTP/2 API.
type APNSProvider struct {
	bearerToken string
	topic       string
	host        string
	client      *http.Client
}

// NewAPNSProvider wires an APNS provider. host is typically
// "api.push.apple.com" (production) or "api.sandbox.push.apple.com".
func NewAPNSProvider(bearerToken, topic, host string) *APNSProvider {
	return &APNSProvider{bearerToken: bearerToken, topic: topic, host: host, client: &http.Client{}}
}

// Send posts a message to token via APNS.
func (p *APNSProvider) Send(token string, msg Message) ProviderResult {
	payload := map[string]any{
		"aps": map[string]any{
			"alert": map[string]any{"title": msg.Title, "body": msg.Body},
		},
		"data": msg.Data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ProviderResult{Error: err.Error()}
	}

	url := fmt.Sprintf("https://%s/3/device/%s", p.host, token)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ProviderResult{Error: err.Error()}
	}
	req.Header.Set("authorization", "bearer "+p.bearerToken)
	req.Header.Set("apns-topic", p.topic)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return ProviderResult{Error: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	result := ProviderResult{
		StatusCode: resp.StatusCode,
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if !result.Success {
		result.Error = string(respBody)
	}
	if resp.StatusCode == 400 || resp.StatusCode == 410 {
		result.PermanentFailure = true
	}
	return result
}
