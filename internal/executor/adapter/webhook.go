package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sintraprime/ger/internal/model"
)

// Webhook runs model.ActionWebhookEmit steps by POSTing the step's
// payload to its URL.
type Webhook struct {
	Client *http.Client
}

// Run implements Adapter.
func (w Webhook) Run(ctx context.Context, step model.Step) (Result, error) {
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	method := step.Method
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(step.Payload)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, step.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Result{Duration: time.Since(start)}, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	var decoded map[string]interface{}
	_ = json.Unmarshal(respBody, &decoded)

	return Result{
		HTTPStatus: resp.StatusCode,
		Response:   decoded,
		Duration:   time.Since(start),
	}, nil
}
