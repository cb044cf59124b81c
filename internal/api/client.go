package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"ethosfleet/pkg/model"
)

// Client 管理接口的 HTTP 客户端，fleetctl 使用
type Client struct {
	base string
	http *http.Client
}

func NewClient(addr string, timeout time.Duration) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimSuffix(addr, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

func (c *Client) Nodes(ctx context.Context) ([]model.NodeStatus, error) {
	var out struct {
		Nodes []model.NodeStatus `json:"nodes"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/nodes", nil, &out)
	return out.Nodes, err
}

func (c *Client) Scale(ctx context.Context, target int) error {
	return c.do(ctx, http.MethodPost, "/api/v1/scale", ScaleRequest{Target: &target}, nil)
}

func (c *Client) Migrations(ctx context.Context) ([]model.Migration, error) {
	var out struct {
		Migrations []model.Migration `json:"migrations"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/migrations", nil, &out)
	return out.Migrations, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return errors.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s", path)
}
