// NotionLive is a thin HTTP-backed adapter for the "Notion" resource
// domain (notion_path, notion.live.read, notion.live.write). The real
// Notion integration lives in an external collaborator; this adapter
// is intentionally a minimal HTTP GET/PUT client plus an in-memory
// fake for deterministic tests, not a full Notion API client.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sintraprime/ger/internal/model"
)

// NotionLive performs GET-only reads and PUT writes against a base URL.
type NotionLive struct {
	BaseURL string
	Client  *http.Client
}

// Get implements prestate.Reader: GET baseURL+path.
func (n NotionLive) Get(path string) (map[string]interface{}, error) {
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(n.BaseURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("notion: GET %s: status %d", path, resp.StatusCode)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("notion: decode GET %s: %w", path, err)
	}
	return out, nil
}

// Run implements Adapter for model.ActionNotionLiveRead/Write. Read
// dispatches to Get; Write performs a PUT with the step's payload.
func (n NotionLive) Run(ctx context.Context, step model.Step) (Result, error) {
	start := time.Now()

	if step.Action == model.ActionNotionLiveRead {
		data, err := n.Get(step.NotionPath)
		if err != nil {
			return Result{Duration: time.Since(start)}, err
		}
		return Result{HTTPStatus: 200, Response: data, Duration: time.Since(start)}, nil
	}

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(step.Payload)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, n.BaseURL+step.NotionPath, bytes.NewReader(body))
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
	return Result{HTTPStatus: resp.StatusCode, Response: decoded, Duration: time.Since(start)}, nil
}

// FakeNotion is an in-memory stand-in for NotionLive, used by tests
// and by cmd/ger when NOTION_BASE_URL is unset. It never performs
// network I/O.
type FakeNotion struct {
	mu        sync.Mutex
	resources map[string]map[string]interface{}
}

// NewFakeNotion constructs a FakeNotion seeded with resources.
func NewFakeNotion(seed map[string]map[string]interface{}) *FakeNotion {
	if seed == nil {
		seed = map[string]map[string]interface{}{}
	}
	return &FakeNotion{resources: seed}
}

// Get implements prestate.Reader.
func (f *FakeNotion) Get(path string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.resources[path]
	if !ok {
		return nil, fmt.Errorf("fake notion: no resource at %s", path)
	}
	// Return a shallow copy so callers cannot mutate internal state.
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out, nil
}

// Run implements Adapter.
func (f *FakeNotion) Run(ctx context.Context, step model.Step) (Result, error) {
	start := time.Now()
	if step.Action == model.ActionNotionLiveRead {
		data, err := f.Get(step.NotionPath)
		if err != nil {
			return Result{Duration: time.Since(start)}, err
		}
		return Result{HTTPStatus: 200, Response: data, Duration: time.Since(start)}, nil
	}

	f.mu.Lock()
	f.resources[step.NotionPath] = step.Payload
	f.mu.Unlock()
	return Result{HTTPStatus: 200, Response: step.Payload, Duration: time.Since(start)}, nil
}
