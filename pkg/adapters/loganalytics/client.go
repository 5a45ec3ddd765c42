// Package loganalytics implements query.Client against the Azure Log
// Analytics REST API.
package loganalytics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"go.uber.org/zap"

	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
	"github.com/ekaya-inc/tap-loganalytics/pkg/logging"
	"github.com/ekaya-inc/tap-loganalytics/pkg/query"
	"github.com/ekaya-inc/tap-loganalytics/pkg/window"
)

const (
	moduleName    = "tap-loganalytics"
	moduleVersion = "v1"

	demoAPIKeyHeader = "x-api-key"
	demoAPIKey       = "DEMO_KEY"
)

// Options configures a Client.
type Options struct {
	WorkspaceID string
	Cloud       string
	Endpoint    string
	// Credential overrides DefaultAzureCredential.
	Credential azcore.TokenCredential
	// Transport overrides the shared HTTP client.
	Transport policy.Transporter
}

// Client issues workspace queries through a single azcore pipeline. It is
// safe for concurrent use; tokens are cached by the bearer token policy.
type Client struct {
	env      Environment
	pipeline runtime.Pipeline
	logger   *zap.Logger
}

var _ query.Client = (*Client)(nil)

// New creates a Client. The demo workspace authenticates with the public
// demo API key; every other workspace uses Azure AD tokens.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	env, err := ResolveEnvironment(opts.Cloud, opts.Endpoint)
	if err != nil {
		return nil, err
	}

	transport := opts.Transport
	if transport == nil {
		transport = defaultHTTPClient()
	}
	clientOpts := azcore.ClientOptions{
		Cloud: env.Cloud,
		// The query executor owns retries and attempt timeouts.
		Retry:     policy.RetryOptions{MaxRetries: -1},
		Telemetry: policy.TelemetryOptions{ApplicationID: moduleName},
		Transport: transport,
	}

	var auth policy.Policy
	if opts.WorkspaceID == config.DemoWorkspaceID {
		auth = apiKeyPolicy{header: demoAPIKeyHeader, key: demoAPIKey}
	} else {
		cred := opts.Credential
		if cred == nil {
			dac, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
				ClientOptions: azcore.ClientOptions{Cloud: env.Cloud},
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create Azure credential: %w", err)
			}
			cred = dac
		}
		auth = runtime.NewBearerTokenPolicy(cred, []string{env.Scope()}, nil)
	}

	pl := runtime.NewPipeline(moduleName, moduleVersion, runtime.PipelineOptions{
		PerRetry: []policy.Policy{auth},
	}, &clientOpts)

	return &Client{
		env:      env,
		pipeline: pl,
		logger:   logging.OrNop(logger).Named("loganalytics"),
	}, nil
}

// Endpoint returns the query endpoint in use.
func (c *Client) Endpoint() string {
	return c.env.Endpoint
}

type queryBody struct {
	Query    string `json:"query"`
	Timespan string `json:"timespan"`
}

// QueryPage implements query.Client. The window is sent as the request
// timespan; a continuation is the absolute link returned by the previous page.
func (c *Client) QueryPage(ctx context.Context, req query.PageRequest) (*query.Page, error) {
	target := req.Continuation
	if target == "" {
		target = c.env.Endpoint + "/v1/workspaces/" + url.PathEscape(req.WorkspaceID) + "/query"
	}

	body, err := wire.Marshal(queryBody{Query: req.Query, Timespan: Timespan(req.Window)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	r, err := runtime.NewRequest(ctx, http.MethodPost, target)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if err := r.SetBody(streaming.NopCloser(bytes.NewReader(body)), "application/json"); err != nil {
		return nil, fmt.Errorf("failed to set request body: %w", err)
	}

	started := time.Now()
	resp, err := c.pipeline.Do(r)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace: %w", err)
	}

	payload, err := runtime.Payload(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("Workspace query completed",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(payload)),
		zap.Duration("elapsed", time.Since(started)),
		zap.Bool("continuation", req.Continuation != ""))

	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return nil, decodeRemoteError(resp.StatusCode, payload)
	}
	return decodePage(payload)
}

// Timespan formats w as the ISO 8601 interval the API expects.
func Timespan(w window.Window) string {
	return w.From.UTC().Format(time.RFC3339Nano) + "/" + w.To.UTC().Format(time.RFC3339Nano)
}

type apiKeyPolicy struct {
	header string
	key    string
}

func (p apiKeyPolicy) Do(req *policy.Request) (*http.Response, error) {
	req.Raw().Header.Set(p.header, p.key)
	return req.Next()
}
