package proxy

import (
	"testing"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestLabelsForHTTPStableAcrossCalls(t *testing.T) {
	a := LabelsForHTTP("dep-1", "app", "example.com", 3000)
	b := LabelsForHTTP("dep-1", "app", "example.com", 3000)
	assert.Equal(t, a, b)
	assert.Equal(t, "Host(`app.example.com`)", a["traefik.http.routers.dep1.rule"])
	assert.Equal(t, "3000", a["traefik.http.services.dep1.loadbalancer.server.port"])
	assert.Equal(t, "true", a["traefik.http.routers.dep1.tls"])
}

func TestLabelsForTCPUsesProtocolEntrypoint(t *testing.T) {
	labels := LabelsForTCP("db-1", "pg", "example.com", enum.ProtocolPostgres, 5432)
	assert.Equal(t, "postgres", labels["traefik.tcp.routers.db1.entrypoints"])
	assert.Equal(t, "HostSNI(`pg.example.com`)", labels["traefik.tcp.routers.db1.rule"])
}

func TestResolveDomainPrecedence(t *testing.T) {
	// (1) verified custom domain with explicit subdomain wins.
	r := ResolveDomain(strPtr("custom.dev"), strPtr("app"), true, "res-1", "base.dev")
	assert.Equal(t, Route{Domain: "custom.dev", Subdomain: "app"}, r)

	// Unverified custom domain is ignored in favor of the base domain.
	r = ResolveDomain(strPtr("custom.dev"), strPtr("app"), false, "res-1", "base.dev")
	assert.Equal(t, Route{Domain: "base.dev", Subdomain: "res-1"}, r)

	// (2) no custom domain, base domain configured.
	r = ResolveDomain(nil, nil, false, "res-1", "base.dev")
	assert.Equal(t, Route{Domain: "base.dev", Subdomain: "res-1"}, r)

	// (3) neither configured: no domain route.
	r = ResolveDomain(nil, nil, false, "res-1", "")
	assert.Equal(t, Route{}, r)
	assert.Equal(t, "", r.URL())
}

func TestRouteURL(t *testing.T) {
	r := Route{Domain: "example.com", Subdomain: "app"}
	assert.Equal(t, "https://app.example.com", r.URL())
}
