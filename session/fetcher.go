package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/room4-2/chatstream/messages"
	"github.com/room4-2/chatstream/transcript"
)

// Fetcher loads the persisted transcript a session view starts from
type Fetcher interface {
	FetchSession(ctx context.Context, sessionID string) (*transcript.Snapshot, error)
}

// FileSyncer stores the attachment list of a session
type FileSyncer interface {
	SyncFiles(ctx context.Context, sessionID string, files []messages.FileItem) error
}

// apiResponse is the envelope returned by the relay HTTP API
type apiResponse struct {
	OK    bool                 `json:"ok"`
	Data  *transcript.Snapshot `json:"data,omitempty"`
	Error string               `json:"error,omitempty"`
}

// HTTPFetcher talks to the relay HTTP API
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher for the API rooted at baseURL
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPFetcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

func (f *HTTPFetcher) sessionURL(sessionID string, suffix string) string {
	return f.baseURL + "/sessions/" + url.PathEscape(sessionID) + suffix
}

// FetchSession returns the stored transcript. Unknown sessions come back with Exists=false.
func (f *HTTPFetcher) FetchSession(ctx context.Context, sessionID string) (*transcript.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.sessionURL(sessionID, ""), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch session %s: %w", sessionID, err)
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("fetch session %s: empty response", sessionID)
	}
	return resp.Data, nil
}

// SyncFiles replaces the stored attachment list
func (f *HTTPFetcher) SyncFiles(ctx context.Context, sessionID string, files []messages.FileItem) error {
	if files == nil {
		files = []messages.FileItem{}
	}
	body, err := sonic.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.sessionURL(sessionID, "/files"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if _, err := f.do(req); err != nil {
		return fmt.Errorf("sync files %s: %w", sessionID, err)
	}
	return nil
}

func (f *HTTPFetcher) do(req *http.Request) (*apiResponse, error) {
	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var out apiResponse
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("status %d: decode body: %w", res.StatusCode, err)
	}
	if res.StatusCode != http.StatusOK || !out.OK {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return nil, fmt.Errorf("status %d: %w", res.StatusCode, errors.New(msg))
	}
	return &out, nil
}
