package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPVerifier asks a remote chain-watcher service to confirm payments. It
// POSTs the claim as JSON and expects {"confirmed": bool}. Any non-200
// status is a transport error, which Guarded retries.
type HTTPVerifier struct {
	URL    string
	Client *http.Client
}

func NewHTTPVerifier(url string) *HTTPVerifier {
	return &HTTPVerifier{URL: url, Client: http.DefaultClient}
}

type confirmation struct {
	Confirmed bool `json:"confirmed"`
}

func (v *HTTPVerifier) VerifyPayment(ctx context.Context, c Claim) (bool, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return false, fmt.Errorf("payment service %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	var out confirmation
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		return false, fmt.Errorf("payment service response: %w", err)
	}
	return out.Confirmed, nil
}
