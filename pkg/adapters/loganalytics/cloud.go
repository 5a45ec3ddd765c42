package loganalytics

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
)

const (
	CloudPublic     = "public"
	CloudGovernment = "government"
	CloudChina      = "china"
)

// Environment is a sovereign cloud's query endpoint and identity configuration.
type Environment struct {
	Name     string
	Endpoint string
	Cloud    cloud.Configuration
}

var environments = map[string]Environment{
	CloudPublic: {
		Name:     CloudPublic,
		Endpoint: "https://api.loganalytics.io",
		Cloud:    cloud.AzurePublic,
	},
	CloudGovernment: {
		Name:     CloudGovernment,
		Endpoint: "https://api.loganalytics.us",
		Cloud:    cloud.AzureGovernment,
	},
	CloudChina: {
		Name:     CloudChina,
		Endpoint: "https://api.loganalytics.azure.cn",
		Cloud:    cloud.AzureChina,
	},
}

// ResolveEnvironment returns the environment for name. A non-empty
// endpoint replaces the cloud's default query endpoint; an empty name
// means the public cloud.
func ResolveEnvironment(name, endpoint string) (Environment, error) {
	if name == "" {
		name = CloudPublic
	}
	env, ok := environments[strings.ToLower(name)]
	if !ok {
		return Environment{}, fmt.Errorf("unsupported cloud %q", name)
	}
	if endpoint != "" {
		env.Endpoint = strings.TrimRight(endpoint, "/")
	}
	return env, nil
}

// Scope is the token scope for the environment's query endpoint.
func (e Environment) Scope() string {
	return e.Endpoint + "/.default"
}

// defaultHTTPClient is shared by every stream so connections are reused.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}
