package bucket

import (
	"context"
	"testing"

	"github.com/kalpana-labs/kalpana-controlplane/internal/store"
)

func TestContainerNaming(t *testing.T) {
	if got := containerName("b1"); got != "bucket-b1" {
		t.Fatalf("containerName() = %q", got)
	}
}

func TestResolveRouteNoDomain(t *testing.T) {
	svc := &Service{store: store.NewMemoryStore(), cfg: Config{BaseDomain: "kalpana.dev"}}
	b := &store.Bucket{Resource: store.Resource{ID: "b1"}}

	route, err := svc.resolveRoute(context.Background(), b)
	if err != nil {
		t.Fatalf("resolveRoute: %v", err)
	}
	if route.Domain != "kalpana.dev" || route.Subdomain != "b1" {
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

	sub := "files"
	b := &store.Bucket{Resource: store.Resource{ID: "b1", DomainID: &domain.ID, Subdomain: &sub}}
	svc := &Service{store: st, cfg: Config{BaseDomain: "kalpana.dev"}}

	route, err := svc.resolveRoute(ctx, b)
	if err != nil {
		t.Fatalf("resolveRoute: %v", err)
	}
	if route.Domain != "example.com" || route.Subdomain != "files" {
		t.Fatalf("route = %+v, want custom domain", route)
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

func TestGeneratePublicURLAvoidsCollision(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	existing := &store.Bucket{Resource: store.Resource{ID: "b1", OwnerUserID: "u1", DisplayName: "assets"}, AccessKey: "a", SecretKey: "s"}
	publicURL := "assets"
	existing.PublicURL = &publicURL
	if err := st.CreateBucket(ctx, existing); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	svc := &Service{store: st}
	slug, err := svc.generatePublicURL(ctx, "assets")
	if err != nil {
		t.Fatalf("generatePublicURL: %v", err)
	}
	if slug == "assets" {
		t.Fatalf("expected a non-colliding slug, got %q", slug)
	}
}

func TestRecomputeCounts(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	b := &store.Bucket{Resource: store.Resource{ID: "b1", OwnerUserID: "u1", DisplayName: "data"}, AccessKey: "a", SecretKey: "s"}
	if err := st.CreateBucket(ctx, b); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	for _, o := range []*store.BucketObject{
		{BucketID: "b1", Key: "a.txt", Size: 10},
		{BucketID: "b1", Key: "b.txt", Size: 25},
	} {
		if err := st.UpsertBucketObject(ctx, o); err != nil {
			t.Fatalf("UpsertBucketObject: %v", err)
		}
	}

	svc := &Service{store: st}
	if err := svc.recomputeCounts(ctx, "b1"); err != nil {
		t.Fatalf("recomputeCounts: %v", err)
	}

	got, err := st.FindBucketByID(ctx, "b1")
	if err != nil {
		t.Fatalf("FindBucketByID: %v", err)
	}
	if got.ObjectCount != 2 || got.TotalSizeBytes != 35 {
		t.Fatalf("ObjectCount=%d TotalSizeBytes=%d, want 2/35", got.ObjectCount, got.TotalSizeBytes)
	}
}
