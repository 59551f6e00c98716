package databases

import (
	"context"
	"testing"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/store"
)

func TestContainerNaming(t *testing.T) {
	if got := containerName("d1"); got != "database-d1" {
		t.Fatalf("containerName() = %q", got)
	}
}

func TestEngineEnv(t *testing.T) {
	env := engineEnv(enum.DatabasePostgres, "user", "pass", "app")
	want := map[string]bool{"POSTGRES_USER=user": false, "POSTGRES_PASSWORD=pass": false, "POSTGRES_DB=app": false}
	for _, kv := range env {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
	}
	for kv, found := range want {
		if !found {
			t.Errorf("expected env var %q, got %v", kv, env)
		}
	}
	if env := engineEnv(enum.DatabaseRedis, "u", "p", "d"); env != nil {
		t.Fatalf("redis env = %v, want nil", env)
	}
}

func TestEngineCommand(t *testing.T) {
	cmd := engineCommand(enum.DatabaseRedis, "secret")
	want := []string{"redis-server", "--requirepass", "secret"}
	if len(cmd) != len(want) {
		t.Fatalf("cmd = %v, want %v", cmd, want)
	}
	for i := range want {
		if cmd[i] != want[i] {
			t.Fatalf("cmd = %v, want %v", cmd, want)
		}
	}
	if cmd := engineCommand(enum.DatabasePostgres, "secret"); cmd != nil {
		t.Fatalf("postgres cmd = %v, want nil", cmd)
	}
}

func TestResolveRouteNoDomain(t *testing.T) {
	svc := &Service{store: store.NewMemoryStore(), cfg: Config{BaseDomain: "kalpana.dev"}}
	d := &store.Database{Resource: store.Resource{ID: "d1"}}

	route, err := svc.resolveRoute(context.Background(), d)
	if err != nil {
		t.Fatalf("resolveRoute: %v", err)
	}
	if route.Domain != "kalpana.dev" || route.Subdomain != "d1" {
		t.Fatalf("route = %+v, want base-domain fallback", route)
	}
}

func TestSubdomainTakenNoDomain(t *testing.T) {
	svc := &Service{store: store.NewMemoryStore()}
	taken, err := svc.subdomainTaken(context.Background(), nil, "anything")
	if err != nil {
		t.Fatalf("subdomainTaken: %v", err)
	}
	if taken {
		t.Fatal("expected no collision possible without a DomainID")
	}
}

func TestCreateSQLiteSkipsContainer(t *testing.T) {
	st := store.NewMemoryStore()
	svc := &Service{store: st, cfg: Config{BaseDomain: "kalpana.dev"}}

	db, err := svc.Create(context.Background(), CreateRequest{
		OwnerUserID: "u1", DisplayName: "local", Engine: enum.DatabaseSQLite,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if db.Status != enum.StatusRunning {
		t.Fatalf("Status = %q, want RUNNING", db.Status)
	}
	if db.ContainerID != nil {
		t.Fatalf("ContainerID = %v, want nil for SQLITE", db.ContainerID)
	}
	if db.Host != "" {
		t.Fatalf("Host = %q, want empty for SQLITE", db.Host)
	}
}

func TestConnectionStringsSQLiteHasNone(t *testing.T) {
	svc := &Service{store: store.NewMemoryStore(), cfg: Config{BaseDomain: "kalpana.dev"}}
	d := &store.Database{Resource: store.Resource{ID: "d1"}, Engine: enum.DatabaseSQLite, DBName: "local.db"}

	external, internal, domainBased, err := svc.ConnectionStrings(context.Background(), d)
	if err != nil {
		t.Fatalf("ConnectionStrings: %v", err)
	}
	if external != "" || internal != "" || domainBased != "" {
		t.Fatalf("expected no connection strings for SQLITE, got %q/%q/%q", external, internal, domainBased)
	}
}

func TestConnectionStringsExternalAndInternal(t *testing.T) {
	svc := &Service{store: store.NewMemoryStore(), cfg: Config{BaseDomain: "kalpana.dev"}}
	port := 40100
	d := &store.Database{
		Resource: store.Resource{ID: "d1"}, Engine: enum.DatabasePostgres,
		Username: "u", Password: "p", DBName: "app", Host: "database-d1", ExternalPort: &port,
	}

	external, internal, _, err := svc.ConnectionStrings(context.Background(), d)
	if err != nil {
		t.Fatalf("ConnectionStrings: %v", err)
	}
	wantExternal := "postgres://u:p@localhost:40100/app"
	if external != wantExternal {
		t.Fatalf("external = %q, want %q", external, wantExternal)
	}
	wantInternal := "postgres://u:p@database-d1:5432/app"
	if internal != wantInternal {
		t.Fatalf("internal = %q, want %q", internal, wantInternal)
	}
}
