package push

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// FCMProvider sends push messages to Android devices via Firebase Cloud
// Messaging's legacy HTTP endpoint.
type FCMProvider struct {
	serverKey string
	endpoint  string
	client    *http.Client
}

// NewFCMProvider wires an FCM provider over serverKey.
func NewFCMProvider(serverKey string) *FCMProvider {
	return &FCMProvider{serverKey: serverKey, endpoint: "https://fcm.googleapis.com/fcm/send", client: &http.Client{}}
}

// Send posts a message to token via FCM.
func (p *FCMProvider) Send(token string, msg Message) ProviderResult {
	body, err := json.Marshal(map[string]any{
		"to": token,
		"notification": map[string]any{
			"title": msg.Title,
			"body":  msg.Body,
		},
		"data": msg.Data,
	})
	if err != nil {
		return ProviderResult{Error: err.Error()}
	}

	req, err := http.NewRequest(http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return ProviderResult{Error: err.Error()}
	}
	req.Header.Set("Authorization", "key="+p.serverKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return ProviderResult{Error: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	bodyStr := string(respBody)
	result := ProviderResult{
		StatusCode: resp.StatusCode,
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if !result.Success {
		result.Error = bodyStr
	}
	if resp.StatusCode == 400 || resp.StatusCode == 404 || resp.StatusCode == 410 ||
		strings.Contains(bodyStr, "NotRegistered") || strings.Contains(bodyStr, "InvalidRegistration") {
		result.PermanentFailure = true
	}
	return result
}
