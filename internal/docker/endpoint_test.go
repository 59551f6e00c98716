package docker

import "testing"

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		dockerHost string
		wantScheme string
		wantHost   string
	}{
		{"unix socket", "unix:///var/run/docker.sock", "unix", "unix:///var/run/docker.sock"},
		{"named pipe", "npipe:////./pipe/docker_engine", "npipe", "npipe:////./pipe/docker_engine"},
		{"tcp", "tcp://10.0.0.5:2375", "tcp", "tcp://10.0.0.5:2375"},
		{"https rewritten to tcp", "https://10.0.0.5:2376", "tcp", "tcp://10.0.0.5:2376"},
		{"http rewritten to tcp", "http://10.0.0.5:2375", "tcp", "tcp://10.0.0.5:2375"},
		{"empty falls back to default", "", "", ""},
		{"garbage falls back to default", "not-a-url", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := ResolveEndpoint(tt.dockerHost)
			if tt.wantScheme == "" {
				fallback := defaultEndpoint()
				if ep.Scheme != fallback.Scheme || ep.Host != fallback.Host {
					t.Fatalf("got %+v, want fallback %+v", ep, fallback)
				}
				return
			}
			if ep.Scheme != tt.wantScheme || ep.Host != tt.wantHost {
				t.Fatalf("got %+v, want scheme=%s host=%s", ep, tt.wantScheme, tt.wantHost)
			}
		})
	}
}
