package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSender POSTs {"direction": ...} to a fixed endpoint.
type HTTPSender struct {
	url    string
	client *http.Client
}

func NewHTTPSender(url string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPSender{url: url, client: &http.Client{Timeout: timeout}}
}

type commandRequest struct {
	Direction Direction `json:"direction"`
}

func (s *HTTPSender) Send(ctx context.Context, dir Direction) error {
	body, err := json.Marshal(commandRequest{Direction: dir})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// Tunnels such as ngrok otherwise answer with an interstitial page.
	req.Header.Set("ngrok-skip-browser-warning", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP error! status: %d", resp.StatusCode)
	}
	log.Debug("control response: %s", bytes.TrimSpace(data))
	return nil
}
