package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Bridge forwards tool calls to a running memory server over HTTP.
type Bridge struct {
	serverURL string
	apiKey    string
	client    *http.Client
}

// NewBridge creates a bridge to serverURL. apiKey is sent as a bearer token
// when set.
func NewBridge(serverURL, apiKey string, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{
		serverURL: strings.TrimRight(serverURL, "/"),
		apiKey:    apiKey,
		client:    &http.Client{Timeout: timeout},
	}
}

// reply is a server response. Status codes of 400 and above are reported
// to the agent as tool errors, not transport failures.
type reply struct {
	status int
	body   []byte
}

func (r reply) failed() bool { return r.status >= 400 }

func (b *Bridge) do(ctx context.Context, method, path string, query url.Values, body any, header map[string]string) (reply, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return reply{}, goerr.Wrap(err, "marshal request", goerr.V("path", path))
		}
		rdr = bytes.NewReader(data)
	}

	u := b.serverURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return reply{}, goerr.Wrap(err, "build request", goerr.V("url", u))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return reply{}, goerr.Wrap(err, "memory server unreachable", goerr.V("url", u))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return reply{}, goerr.Wrap(err, "read response", goerr.V("url", u))
	}
	return reply{status: resp.StatusCode, body: data}, nil
}
