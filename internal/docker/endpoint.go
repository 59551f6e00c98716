// Package docker resolves the Docker daemon endpoint shared by every
// component that talks to the daemon: the Container Lifecycle Manager,
// the Deployment Builder, the bucket/database specializations, and the
// Proxy Orchestrator. It recognizes the full scheme set (unix://,
// npipe://, tcp://, http(s)://) with a fallback to the platform default
// when DOCKER_HOST is unset or unparseable.
package docker

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strings"

	"github.com/docker/docker/client"
)

// DefaultUnixSocket and DefaultNamedPipe are the per-OS fallbacks used
// when DOCKER_HOST is empty or fails to parse.
const (
	DefaultUnixSocket = "unix:///var/run/docker.sock"
	DefaultNamedPipe  = "npipe:////./pipe/docker_engine"
)

// Endpoint describes a resolved Docker daemon address.
type Endpoint struct {
	// Host is the value to pass to client.WithHost: the original URL
	// verbatim for unix/npipe/tcp, or a tcp:// rewrite for http(s).
	Host string
	// Scheme is the endpoint's transport: "unix", "npipe", or "tcp".
	Scheme string
}

// ResolveEndpoint reads dockerHost (normally the DOCKER_HOST env var,
// passed explicitly so callers can override in tests) and returns the
// Endpoint to dial. An empty or unparseable value falls back to the OS
// default: a Unix socket everywhere except Windows, which uses a named
// pipe.
func ResolveEndpoint(dockerHost string) Endpoint {
	if dockerHost == "" {
		return defaultEndpoint()
	}
	ep, err := parseEndpoint(dockerHost)
	if err != nil {
		return defaultEndpoint()
	}
	return ep
}

func defaultEndpoint() Endpoint {
	if runtime.GOOS == "windows" {
		return Endpoint{Host: DefaultNamedPipe, Scheme: "npipe"}
	}
	return Endpoint{Host: DefaultUnixSocket, Scheme: "unix"}
}

func parseEndpoint(raw string) (Endpoint, error) {
	switch {
	case strings.HasPrefix(raw, "unix://"):
		return Endpoint{Host: raw, Scheme: "unix"}, nil
	case strings.HasPrefix(raw, "npipe://"):
		return Endpoint{Host: raw, Scheme: "npipe"}, nil
	case strings.HasPrefix(raw, "tcp://"):
		return Endpoint{Host: raw, Scheme: "tcp"}, nil
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		u, err := url.Parse(raw)
		if err != nil {
			return Endpoint{}, fmt.Errorf("docker: parse endpoint %q: %w", raw, err)
		}
		return Endpoint{Host: "tcp://" + u.Host, Scheme: "tcp"}, nil
	default:
		return Endpoint{}, fmt.Errorf("docker: unrecognized endpoint scheme in %q", raw)
	}
}

// NewClient builds a Docker SDK client honoring DOCKER_HOST (or the
// explicit override if non-empty), negotiating the API version against
// the daemon.
func NewClient(dockerHostOverride string) (*client.Client, error) {
	host := dockerHostOverride
	if host == "" {
		host = os.Getenv("DOCKER_HOST")
	}
	ep := ResolveEndpoint(host)
	return client.NewClientWithOpts(client.WithHost(ep.Host), client.WithAPIVersionNegotiation())
}
