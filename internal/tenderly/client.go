// Package tenderly wraps the Tenderly REST API used to create and share forks.
package tenderly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 30 * time.Second

// Config carries the endpoints and credentials of a Tenderly project.
type Config struct {
	APIBaseURL       string
	RPCBaseURL       string
	DashboardBaseURL string
	User             string
	Project          string
	AccessKey        string
}

// Fork describes a freshly provisioned simulation fork.
type Fork struct {
	ID           string
	RPCURL       string
	DashboardURL string
}

// APIError represents a non-2xx response from the Tenderly API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("tenderly api error (%d): %s", e.StatusCode, e.Message)
}

// Client wraps the HTTP interactions with the Tenderly REST API.
type Client struct {
	apiBase    *url.URL
	rpcBase    string
	dashboard  string
	user       string
	project    string
	accessKey  string
	httpClient *http.Client
}

// NewClient instantiates a Tenderly client. When httpClient is nil a default
// client with DefaultHTTPTimeout is used.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	apiBase, err := url.Parse(strings.TrimRight(cfg.APIBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if apiBase.Scheme == "" || apiBase.Host == "" {
		return nil, fmt.Errorf("invalid api base url: %q", cfg.APIBaseURL)
	}
	if cfg.User == "" || cfg.Project == "" || cfg.AccessKey == "" {
		return nil, errors.New("tenderly: user, project and access key are required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		apiBase:    apiBase,
		rpcBase:    strings.TrimRight(cfg.RPCBaseURL, "/"),
		dashboard:  strings.TrimRight(cfg.DashboardBaseURL, "/"),
		user:       cfg.User,
		project:    cfg.Project,
		accessKey:  cfg.AccessKey,
		httpClient: httpClient,
	}, nil
}

type createForkRequest struct {
	NetworkID uint64 `json:"network_id"`
}

type createForkResponse struct {
	SimulationFork *struct {
		ID string `json:"id"`
	} `json:"simulation_fork"`
}

// CreateFork provisions a new simulation fork of the given network.
func (c *Client) CreateFork(ctx context.Context, networkID uint64) (Fork, error) {
	var resp createForkResponse
	if err := c.post(ctx, c.projectPath("fork"), createForkRequest{NetworkID: networkID}, &resp); err != nil {
		return Fork{}, err
	}
	if resp.SimulationFork == nil || strings.TrimSpace(resp.SimulationFork.ID) == "" {
		return Fork{}, errors.New("tenderly: response does not contain simulation_fork.id")
	}
	id := resp.SimulationFork.ID
	return Fork{
		ID:           id,
		RPCURL:       c.RPCURL(id),
		DashboardURL: c.ForkDashboardURL(id),
	}, nil
}

// ShareTransaction marks a fork transaction as public and returns the shared
// dashboard link for it.
func (c *Client) ShareTransaction(ctx context.Context, forkID, transactionID string) (string, error) {
	if forkID == "" || transactionID == "" {
		return "", errors.New("tenderly: fork id and transaction id are required")
	}
	endpoint := c.projectPath("fork", forkID, "transaction", transactionID, "share")
	if err := c.post(ctx, endpoint, struct{}{}, nil); err != nil {
		return "", err
	}
	return c.SharedSimulationURL(transactionID), nil
}

// RPCURL returns the JSON-RPC endpoint of a fork.
func (c *Client) RPCURL(forkID string) string {
	return c.rpcBase + "/" + url.PathEscape(forkID)
}

// ForkDashboardURL returns the private dashboard page of a fork.
func (c *Client) ForkDashboardURL(forkID string) string {
	return fmt.Sprintf("%s/%s/%s/fork/%s", c.dashboard, url.PathEscape(c.user), url.PathEscape(c.project), url.PathEscape(forkID))
}

// SharedSimulationURL returns the public page of a shared fork transaction.
func (c *Client) SharedSimulationURL(transactionID string) string {
	return c.dashboard + "/shared/fork/simulation/" + url.PathEscape(transactionID)
}

func (c *Client) projectPath(elems ...string) string {
	parts := append([]string{"account", c.user, "project", c.project}, elems...)
	return path.Join(parts...)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	u := *c.apiBase
	u.RawPath = ""
	u.Path = path.Join(c.apiBase.Path, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Key", c.accessKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		var envelope struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
