// Package proxy is the Proxy Orchestrator: it maintains a single
// shared Traefik edge router and a user-defined bridge network, and
// hands callers the container labels Traefik needs to discover routes
// by polling.
//
// Rather than reverse-proxying by hand with httputil.ReverseProxy and
// looking up the target host:port on every request, this package
// drives the Docker SDK directly to run Traefik as a container and
// label-routes through it — the only approach that generalizes to
// five resource kinds needing both HTTP and TCP-SNI routing with
// automatic certificates.
package proxy

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
)

const (
	// LabelManaged marks every container this control plane owns.
	LabelManaged = "kalpana.managed"

	labelIsProxy  = "kalpana.proxy"
	proxyImage    = "traefik:v3.1"
	proxyName     = "kalpana-proxy"
	tlsResolver   = "letsencrypt"
	httpsEntry    = "websecure"
)

// protocolEntrypoints maps a database wire protocol to the TCP
// entrypoint name the shared Traefik container listens on.
var protocolEntrypoints = map[enum.TCPRouteProtocol]string{
	enum.ProtocolPostgres: "postgres",
	enum.ProtocolMySQL:    "mysql",
	enum.ProtocolMongoDB:  "mongodb",
	enum.ProtocolRedis:    "redis",
}

var protocolPorts = map[enum.TCPRouteProtocol]string{
	enum.ProtocolPostgres: "5432",
	enum.ProtocolMySQL:    "3306",
	enum.ProtocolMongoDB:  "27017",
	enum.ProtocolRedis:    "6379",
}

// Orchestrator owns the shared network and edge router.
type Orchestrator struct {
	client      *client.Client
	networkName string
}

// New returns an Orchestrator driving cli, routing through a shared
// bridge network named networkName.
func New(cli *client.Client, networkName string) *Orchestrator {
	if networkName == "" {
		networkName = "kalpana-network"
	}
	return &Orchestrator{client: cli, networkName: networkName}
}

// NetworkName returns the shared bridge network's name.
func (o *Orchestrator) NetworkName() string { return o.networkName }

// EnsureNetwork creates the shared user-defined bridge network if it
// doesn't already exist. Idempotent.
func (o *Orchestrator) EnsureNetwork(ctx context.Context) error {
	networks, err := o.client.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return fmt.Errorf("proxy: list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == o.networkName {
			return nil
		}
	}
	_, err = o.client.NetworkCreate(ctx, o.networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		return fmt.Errorf("proxy: create network %q: %w", o.networkName, err)
	}
	return nil
}

// EnsureProxy makes sure the shared Traefik container exists and is
// running. If a container already carries the proxy label it is
// started if stopped; otherwise a new one is created on the shared
// network with HTTP, HTTPS, and one TCP SNI entrypoint per supported
// database protocol.
func (o *Orchestrator) EnsureProxy(ctx context.Context) error {
	if err := o.EnsureNetwork(ctx); err != nil {
		return err
	}

	existing, err := o.findProxyContainer(ctx)
	if err != nil {
		return err
	}
	if existing != "" {
		inspect, err := o.client.ContainerInspect(ctx, existing)
		if err != nil {
			return fmt.Errorf("proxy: inspect existing proxy container: %w", err)
		}
		if inspect.State != nil && inspect.State.Running {
			return nil
		}
		if err := o.client.ContainerStart(ctx, existing, container.StartOptions{}); err != nil {
			return fmt.Errorf("proxy: start existing proxy container: %w", err)
		}
		return nil
	}

	if err := o.pullImage(ctx, proxyImage); err != nil {
		return err
	}

	cmd := []string{
		"--providers.docker=true",
		"--providers.docker.exposedbydefault=false",
		"--providers.docker.network=" + o.networkName,
		"--entrypoints.web.address=:80",
		"--entrypoints." + httpsEntry + ".address=:443",
		"--certificatesresolvers." + tlsResolver + ".acme.httpchallenge=true",
		"--certificatesresolvers." + tlsResolver + ".acme.httpchallenge.entrypoint=web",
		"--certificatesresolvers." + tlsResolver + ".acme.storage=/letsencrypt/acme.json",
	}
	for proto, entry := range protocolEntrypoints {
		cmd = append(cmd, fmt.Sprintf("--entrypoints.%s.address=:%s/tcp", entry, protocolPorts[proto]))
	}

	portBindings := map[string]string{
		"80":   "80",
		"443":  "443",
		"5432": protocolPorts[enum.ProtocolPostgres],
		"3306": protocolPorts[enum.ProtocolMySQL],
		"27017": protocolPorts[enum.ProtocolMongoDB],
		"6379": protocolPorts[enum.ProtocolRedis],
	}

	resp, err := o.client.ContainerCreate(ctx,
		&container.Config{
			Image: proxyImage,
			Cmd:   cmd,
			Labels: map[string]string{
				LabelManaged: "true",
				labelIsProxy: "true",
			},
		},
		&container.HostConfig{
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
			Mounts: []mount.Mount{
				{Type: mount.TypeBind, Source: "/var/run/docker.sock", Target: "/var/run/docker.sock", ReadOnly: true},
				{Type: mount.TypeVolume, Source: "kalpana-letsencrypt", Target: "/letsencrypt"},
			},
			PortBindings: hostPortBindings(portBindings),
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				o.networkName: {},
			},
		},
		nil, proxyName)
	if err != nil {
		return fmt.Errorf("proxy: create proxy container: %w", err)
	}
	if err := o.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("proxy: start proxy container: %w", err)
	}
	return nil
}

func (o *Orchestrator) findProxyContainer(ctx context.Context) (string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelIsProxy+"=true")
	containers, err := o.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return "", fmt.Errorf("proxy: list proxy containers: %w", err)
	}
	if len(containers) == 0 {
		return "", nil
	}
	return containers[0].ID, nil
}

func (o *Orchestrator) pullImage(ctx context.Context, imageName string) error {
	out, err := o.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("proxy: pull %q: %w", imageName, err)
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	return err
}

// Attach connects containerID to the shared network. Idempotent:
// "already attached"/"endpoint already exists" errors are swallowed.
func (o *Orchestrator) Attach(ctx context.Context, containerID string) error {
	err := o.client.NetworkConnect(ctx, o.networkName, containerID, nil)
	if err == nil || isAlreadyAttached(err) {
		return nil
	}
	return fmt.Errorf("proxy: attach %s to %s: %w", containerID, o.networkName, err)
}

// Detach disconnects containerID from the shared network. Idempotent:
// "not found"/"not connected" errors are swallowed.
func (o *Orchestrator) Detach(ctx context.Context, containerID string) error {
	err := o.client.NetworkDisconnect(ctx, o.networkName, containerID, true)
	if err == nil || isNotAttached(err) {
		return nil
	}
	return fmt.Errorf("proxy: detach %s from %s: %w", containerID, o.networkName, err)
}

func isAlreadyAttached(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already connected") ||
		strings.Contains(msg, "already attached")
}

func isNotAttached(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "is not connected") || strings.Contains(msg, "not found")
}

// LabelsForHTTP returns the Traefik labels that route
// https://subdomain.domain to internalPort on the labelled container.
// Labels are stable for the resource's lifetime, keyed by resourceID,
// so the router discovers routes purely by polling container labels.
func LabelsForHTTP(resourceID, subdomain, domain string, internalPort int) map[string]string {
	router := routerName(resourceID)
	host := subdomain + "." + domain
	return map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", router):                           fmt.Sprintf("Host(`%s`)", host),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", router):                    httpsEntry,
		fmt.Sprintf("traefik.http.routers.%s.tls", router):                            "true",
		fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", router):               tlsResolver,
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router):      fmt.Sprintf("%d", internalPort),
	}
}

// LabelsForTCP returns the Traefik labels that route the protocol's
// SNI entrypoint for subdomain.domain to internalPort.
func LabelsForTCP(resourceID, subdomain, domain string, protocol enum.TCPRouteProtocol, internalPort int) map[string]string {
	router := routerName(resourceID)
	host := subdomain + "." + domain
	entry := protocolEntrypoints[protocol]
	return map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.tcp.routers.%s.rule", router):                      fmt.Sprintf("HostSNI(`%s`)", host),
		fmt.Sprintf("traefik.tcp.routers.%s.entrypoints", router):               entry,
		fmt.Sprintf("traefik.tcp.routers.%s.tls", router):                       "true",
		fmt.Sprintf("traefik.tcp.routers.%s.tls.certresolver", router):          tlsResolver,
		fmt.Sprintf("traefik.tcp.services.%s.loadbalancer.server.port", router): fmt.Sprintf("%d", internalPort),
	}
}

func routerName(resourceID string) string {
	return strings.ReplaceAll(resourceID, "-", "")
}

func hostPortBindings(ports map[string]string) nat.PortMap {
	m := nat.PortMap{}
	for containerPort, hostPort := range ports {
		m[nat.Port(containerPort+"/tcp")] = []nat.PortBinding{{HostPort: hostPort}}
	}
	return m
}

// Route describes how a resource is being exposed, decided by
// ResolveDomain.
type Route struct {
	// Domain is the host portion routed to this resource, empty if
	// the resource has no domain route at all (host-port exposure).
	Domain    string
	Subdomain string
}

// URL returns the https URL for the route, or "" if the route has no
// domain.
func (r Route) URL() string {
	if r.Domain == "" {
		return ""
	}
	return "https://" + r.Subdomain + "." + r.Domain
}

// ResolveDomain implements the domain selection precedence: (1) a
// verified custom domain with an explicit subdomain, (2) the platform
// base domain with resourceID as subdomain, (3) no domain at all
// (caller falls back to a host-port binding).
func ResolveDomain(customDomain *string, customSubdomain *string, verified bool, resourceID, baseDomain string) Route {
	if customDomain != nil && *customDomain != "" && verified && customSubdomain != nil && *customSubdomain != "" {
		return Route{Domain: *customDomain, Subdomain: *customSubdomain}
	}
	if baseDomain != "" {
		return Route{Domain: baseDomain, Subdomain: resourceID}
	}
	return Route{}
}
