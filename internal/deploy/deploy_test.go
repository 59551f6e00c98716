package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/store"
)

func TestShellQuote(t *testing.T) {
	got := shellQuote("it's a test")
	want := `'it'\''s a test'`
	if got != want {
		t.Fatalf("shellQuote() = %q, want %q", got, want)
	}
}

func TestBuildContainerNaming(t *testing.T) {
	if got := buildContainerName("d1"); got != "build-d1" {
		t.Fatalf("buildContainerName() = %q", got)
	}
	if got := buildImageTag("d1"); got != "deploy-d1:latest" {
		t.Fatalf("buildImageTag() = %q", got)
	}
	if got := prodContainerName("d1"); got != "deployment-d1" {
		t.Fatalf("prodContainerName() = %q", got)
	}
}

func TestLogBufferFlushImmediate(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	build := &store.Build{ID: "b1", DeploymentID: "d1", Status: enum.BuildStatusBuilding, Trigger: "manual", StartedAt: time.Now()}
	if err := st.CreateBuild(ctx, build); err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}

	buf := newLogBuffer(st, build.ID)
	buf.Append(ctx, "first line")
	if err := buf.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := st.FindBuildByID(ctx, build.ID)
	if err != nil {
		t.Fatalf("FindBuildByID: %v", err)
	}
	if got.Logs != "first line\n" {
		t.Fatalf("Logs = %q", got.Logs)
	}

	buf.Append(ctx, "second line")
	if err := buf.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got, err = st.FindBuildByID(ctx, build.ID)
	if err != nil {
		t.Fatalf("FindBuildByID: %v", err)
	}
	if got.Logs != "first line\nsecond line\n" {
		t.Fatalf("Logs = %q", got.Logs)
	}
}

func TestResolveRouteNoDomain(t *testing.T) {
	st := store.NewMemoryStore()
	svc := &Service{store: st, cfg: Config{BaseDomain: "kalpana.dev"}}
	d := &store.Deployment{Resource: store.Resource{ID: "dep1"}}

	route, err := svc.resolveRoute(context.Background(), d)
	if err != nil {
		t.Fatalf("resolveRoute: %v", err)
	}
	if route.Domain != "kalpana.dev" || route.Subdomain != "dep1" {
		t.Fatalf("route = %+v, want base-domain fallback", route)
	}
}

func TestResolveRouteVerifiedCustomDomain(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	domain := &store.Domain{ID: "dom1", OwnerUserID: "u1", Name: "example.com", Verified: true, VerificationToken: "tok"}
	if err := st.CreateDomain(ctx, domain); err != nil {
		t.Fatalf("CreateDomain: %v", err)
	}

	sub := "app"
	d := &store.Deployment{Resource: store.Resource{ID: "dep1", DomainID: &domain.ID, Subdomain: &sub}}
	svc := &Service{store: st, cfg: Config{BaseDomain: "kalpana.dev"}}

	route, err := svc.resolveRoute(ctx, d)
	if err != nil {
		t.Fatalf("resolveRoute: %v", err)
	}
	if route.Domain != "example.com" || route.Subdomain != "app" {
		t.Fatalf("route = %+v, want custom domain", route)
	}
}
