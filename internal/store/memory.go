package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
)

// memoryStore is a map+mutex Store, mirroring internal/pubsub's in-memory
// backing style. It backs unit tests for every component that depends on
// Store without requiring live infrastructure.
type memoryStore struct {
	mu sync.Mutex

	workspaces    map[string]*Workspace
	deployments   map[string]*Deployment
	builds        map[string]*Build
	databases     map[string]*Database
	buckets       map[string]*Bucket
	bucketObjects map[string]*BucketObject
	agents        map[string]*Agent
	domains       map[string]*Domain
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		workspaces:    make(map[string]*Workspace),
		deployments:   make(map[string]*Deployment),
		builds:        make(map[string]*Build),
		databases:     make(map[string]*Database),
		buckets:       make(map[string]*Bucket),
		bucketObjects: make(map[string]*BucketObject),
		agents:        make(map[string]*Agent),
		domains:       make(map[string]*Domain),
	}
}

func bucketObjectKey(bucketID, key, versionID string) string {
	return bucketID + "\x00" + key + "\x00" + versionID
}

// --- Workspace ---

func (s *memoryStore) CreateWorkspace(ctx context.Context, w *Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSubdomainLocked("workspace", w.ID, w.DomainID, w.Subdomain); err != nil {
		return err
	}

	cp := *w
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.workspaces[w.ID] = &cp
	*w = cp
	return nil
}

func (s *memoryStore) FindWorkspaceByID(ctx context.Context, id string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *memoryStore) UpdateWorkspace(ctx context.Context, w *Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[w.ID]; !ok {
		return ErrNotFound
	}
	if err := s.checkSubdomainLocked("workspace", w.ID, w.DomainID, w.Subdomain); err != nil {
		return err
	}
	cp := *w
	cp.UpdatedAt = time.Now()
	s.workspaces[w.ID] = &cp
	*w = cp
	return nil
}

func (s *memoryStore) DeleteWorkspace(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return ErrNotFound
	}
	delete(s.workspaces, id)
	return nil
}

func (s *memoryStore) ListWorkspacesByOwner(ctx context.Context, ownerUserID string) ([]*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Workspace
	for _, w := range s.workspaces {
		if w.OwnerUserID == ownerUserID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Deployment ---

func (s *memoryStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSubdomainLocked("deployment", d.ID, d.DomainID, d.Subdomain); err != nil {
		return err
	}
	cp := *d
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.deployments[d.ID] = &cp
	*d = cp
	return nil
}

func (s *memoryStore) FindDeploymentByID(ctx context.Context, id string) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *memoryStore) UpdateDeployment(ctx context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[d.ID]; !ok {
		return ErrNotFound
	}
	if err := s.checkSubdomainLocked("deployment", d.ID, d.DomainID, d.Subdomain); err != nil {
		return err
	}
	cp := *d
	cp.UpdatedAt = time.Now()
	s.deployments[d.ID] = &cp
	*d = cp
	return nil
}

func (s *memoryStore) DeleteDeployment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[id]; !ok {
		return ErrNotFound
	}
	delete(s.deployments, id)
	return nil
}

func (s *memoryStore) ListDeploymentsByOwner(ctx context.Context, ownerUserID string) ([]*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Deployment
	for _, d := range s.deployments {
		if d.OwnerUserID == ownerUserID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Build ---

func (s *memoryStore) CreateBuild(ctx context.Context, b *Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Status == enum.BuildStatusBuilding {
		for _, existing := range s.builds {
			if existing.DeploymentID == b.DeploymentID && existing.Status == enum.BuildStatusBuilding {
				return fmt.Errorf("%w: deployment %s already has a build in progress", ErrConflict, b.DeploymentID)
			}
		}
	}
	cp := *b
	s.builds[b.ID] = &cp
	*b = cp
	return nil
}

func (s *memoryStore) FindBuildByID(ctx context.Context, id string) (*Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memoryStore) UpdateBuild(ctx context.Context, b *Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[b.ID]; !ok {
		return ErrNotFound
	}
	cp := *b
	s.builds[b.ID] = &cp
	*b = cp
	return nil
}

func (s *memoryStore) FindActiveBuildByDeployment(ctx context.Context, deploymentID string) (*Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.builds {
		if b.DeploymentID == deploymentID && b.Status == enum.BuildStatusBuilding {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) ListBuildsByDeployment(ctx context.Context, deploymentID string) ([]*Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Build
	for _, b := range s.builds {
		if b.DeploymentID == deploymentID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memoryStore) DeleteBuildsByDeployment(ctx context.Context, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.builds {
		if b.DeploymentID == deploymentID {
			delete(s.builds, id)
		}
	}
	return nil
}

// --- Database ---

func (s *memoryStore) CreateDatabase(ctx context.Context, d *Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSubdomainLocked("database", d.ID, d.DomainID, d.Subdomain); err != nil {
		return err
	}
	cp := *d
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.databases[d.ID] = &cp
	*d = cp
	return nil
}

func (s *memoryStore) FindDatabaseByID(ctx context.Context, id string) (*Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.databases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *memoryStore) UpdateDatabase(ctx context.Context, d *Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.databases[d.ID]; !ok {
		return ErrNotFound
	}
	if err := s.checkSubdomainLocked("database", d.ID, d.DomainID, d.Subdomain); err != nil {
		return err
	}
	cp := *d
	cp.UpdatedAt = time.Now()
	s.databases[d.ID] = &cp
	*d = cp
	return nil
}

func (s *memoryStore) DeleteDatabase(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.databases[id]; !ok {
		return ErrNotFound
	}
	delete(s.databases, id)
	return nil
}

func (s *memoryStore) ListDatabasesByOwner(ctx context.Context, ownerUserID string) ([]*Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Database
	for _, d := range s.databases {
		if d.OwnerUserID == ownerUserID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Bucket ---

func (s *memoryStore) CreateBucket(ctx context.Context, b *Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSubdomainLocked("bucket", b.ID, b.DomainID, b.Subdomain); err != nil {
		return err
	}
	if err := s.checkBucketUniqueLocked(b); err != nil {
		return err
	}
	cp := *b
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.buckets[b.ID] = &cp
	*b = cp
	return nil
}

func (s *memoryStore) checkBucketUniqueLocked(b *Bucket) error {
	for _, existing := range s.buckets {
		if existing.ID == b.ID {
			continue
		}
		if b.PublicURL != nil && existing.PublicURL != nil && *existing.PublicURL == *b.PublicURL {
			return fmt.Errorf("%w: publicUrl %q already in use", ErrConflict, *b.PublicURL)
		}
		if existing.OwnerUserID == b.OwnerUserID && existing.DisplayName == b.DisplayName {
			return fmt.Errorf("%w: bucket name %q already used by this owner", ErrConflict, b.DisplayName)
		}
	}
	return nil
}

func (s *memoryStore) FindBucketByID(ctx context.Context, id string) (*Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memoryStore) UpdateBucket(ctx context.Context, b *Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[b.ID]; !ok {
		return ErrNotFound
	}
	if err := s.checkSubdomainLocked("bucket", b.ID, b.DomainID, b.Subdomain); err != nil {
		return err
	}
	if err := s.checkBucketUniqueLocked(b); err != nil {
		return err
	}
	cp := *b
	cp.UpdatedAt = time.Now()
	s.buckets[b.ID] = &cp
	*b = cp
	return nil
}

func (s *memoryStore) DeleteBucket(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[id]; !ok {
		return ErrNotFound
	}
	delete(s.buckets, id)
	return nil
}

func (s *memoryStore) ListBucketsByOwner(ctx context.Context, ownerUserID string) ([]*Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Bucket
	for _, b := range s.buckets {
		if b.OwnerUserID == ownerUserID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memoryStore) FindBucketByPublicURL(ctx context.Context, slug string) (*Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buckets {
		if b.PublicURL != nil && *b.PublicURL == slug {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) FindBucketByOwnerAndName(ctx context.Context, ownerUserID, name string) (*Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buckets {
		if b.OwnerUserID == ownerUserID && b.DisplayName == name {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// --- BucketObject ---

func (s *memoryStore) UpsertBucketObject(ctx context.Context, o *BucketObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bucketObjectKey(o.BucketID, o.Key, o.VersionID)
	now := time.Now()
	existing, ok := s.bucketObjects[key]
	cp := *o
	if ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.bucketObjects[key] = &cp
	*o = cp
	return s.recomputeBucketStatsLocked(o.BucketID)
}

func (s *memoryStore) DeleteBucketObject(ctx context.Context, bucketID, key, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := bucketObjectKey(bucketID, key, versionID)
	if _, ok := s.bucketObjects[k]; !ok {
		return ErrNotFound
	}
	delete(s.bucketObjects, k)
	return s.recomputeBucketStatsLocked(bucketID)
}

func (s *memoryStore) FindBucketObject(ctx context.Context, bucketID, key, versionID string) (*BucketObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.bucketObjects[bucketObjectKey(bucketID, key, versionID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memoryStore) ListBucketObjects(ctx context.Context, bucketID, prefix string) ([]*BucketObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*BucketObject
	for _, o := range s.bucketObjects {
		if o.BucketID != bucketID {
			continue
		}
		if prefix != "" && !hasPrefix(o.Key, prefix) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// recomputeBucketStatsLocked maintains the objectCount/totalSizeBytes
// invariant after every BucketObject mutation. Caller must hold s.mu.
func (s *memoryStore) recomputeBucketStatsLocked(bucketID string) error {
	b, ok := s.buckets[bucketID]
	if !ok {
		return nil // bucket not yet created (e.g. in tests exercising the object table alone)
	}
	var count, total int64
	for _, o := range s.bucketObjects {
		if o.BucketID == bucketID {
			count++
			total += o.Size
		}
	}
	cp := *b
	cp.ObjectCount = count
	cp.TotalSizeBytes = total
	cp.UpdatedAt = time.Now()
	s.buckets[bucketID] = &cp
	return nil
}

// --- Agent ---

func (s *memoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.agents[a.ID] = &cp
	*a = cp
	return nil
}

func (s *memoryStore) FindAgentByID(ctx context.Context, id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memoryStore) UpdateAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	cp.UpdatedAt = time.Now()
	s.agents[a.ID] = &cp
	*a = cp
	return nil
}

func (s *memoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

// --- Domain ---

func (s *memoryStore) CreateDomain(ctx context.Context, d *Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.domains {
		if existing.Name == d.Name {
			return fmt.Errorf("%w: domain %q already registered", ErrConflict, d.Name)
		}
	}
	cp := *d
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.domains[d.ID] = &cp
	*d = cp
	return nil
}

func (s *memoryStore) FindDomainByID(ctx context.Context, id string) (*Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *memoryStore) FindDomainByName(ctx context.Context, name string) (*Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.domains {
		if d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// --- Cross-cutting ---

// checkSubdomainLocked enforces the (subdomain, domainId) uniqueness
// invariant across every resource kind. Caller must hold s.mu.
func (s *memoryStore) checkSubdomainLocked(kind, id string, domainID, subdomain *string) error {
	if domainID == nil || subdomain == nil {
		return nil
	}
	check := func(otherKind, otherID string, otherDomainID, otherSubdomain *string) error {
		if otherID == id && otherKind == kind {
			return nil
		}
		if otherDomainID != nil && otherSubdomain != nil &&
			*otherDomainID == *domainID && *otherSubdomain == *subdomain {
			return fmt.Errorf("%w: subdomain %q already in use on domain %q", ErrConflict, *subdomain, *domainID)
		}
		return nil
	}
	for _, w := range s.workspaces {
		if err := check("workspace", w.ID, w.DomainID, w.Subdomain); err != nil {
			return err
		}
	}
	for _, d := range s.deployments {
		if err := check("deployment", d.ID, d.DomainID, d.Subdomain); err != nil {
			return err
		}
	}
	for _, d := range s.databases {
		if err := check("database", d.ID, d.DomainID, d.Subdomain); err != nil {
			return err
		}
	}
	for _, b := range s.buckets {
		if err := check("bucket", b.ID, b.DomainID, b.Subdomain); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryStore) FindResourceBySubdomain(ctx context.Context, domainID, subdomain string) (*ResourceRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workspaces {
		if w.DomainID != nil && w.Subdomain != nil && *w.DomainID == domainID && *w.Subdomain == subdomain {
			return &ResourceRef{Kind: "workspace", ID: w.ID}, nil
		}
	}
	for _, d := range s.deployments {
		if d.DomainID != nil && d.Subdomain != nil && *d.DomainID == domainID && *d.Subdomain == subdomain {
			return &ResourceRef{Kind: "deployment", ID: d.ID}, nil
		}
	}
	for _, d := range s.databases {
		if d.DomainID != nil && d.Subdomain != nil && *d.DomainID == domainID && *d.Subdomain == subdomain {
			return &ResourceRef{Kind: "database", ID: d.ID}, nil
		}
	}
	for _, b := range s.buckets {
		if b.DomainID != nil && b.Subdomain != nil && *b.DomainID == domainID && *b.Subdomain == subdomain {
			return &ResourceRef{Kind: "bucket", ID: b.ID}, nil
		}
	}
	return nil, ErrNotFound
}

var activeResourceStatuses = map[enum.ResourceStatus]bool{
	enum.StatusCreating: true,
	enum.StatusStarting: true,
	enum.StatusRunning:  true,
}

func (s *memoryStore) PortInUse(ctx context.Context, port int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	portMatches := func(p *int) bool { return p != nil && *p == port }

	for _, w := range s.workspaces {
		if activeResourceStatuses[w.Status] && (portMatches(w.VSCodePort) || portMatches(w.AgentPort)) {
			return true, nil
		}
	}
	for _, d := range s.deployments {
		active := activeResourceStatuses[d.Status] || d.Status == enum.StatusBuilding
		if active && portMatches(d.ExposedPort) {
			return true, nil
		}
	}
	for _, d := range s.databases {
		if activeResourceStatuses[d.Status] && portMatches(d.ExternalPort) {
			return true, nil
		}
	}
	for _, b := range s.buckets {
		if activeResourceStatuses[b.Status] && (portMatches(b.APIPort) || portMatches(b.ConsolePort)) {
			return true, nil
		}
	}
	for _, a := range s.agents {
		if (a.Status == enum.AgentStatusCloning || a.Status == enum.AgentStatusRunning) && portMatches(a.AgentPort) {
			return true, nil
		}
	}
	return false, nil
}

// WithTx snapshots the store's top-level maps, runs fn, and restores
// the snapshot if fn returns an error or panics (the panic is then
// re-raised). Entries are replaced wholesale on every mutation (never
// mutated in place), so a shallow map copy is sufficient for the
// rollback to be correct.
func (s *memoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	defer func() {
		if v := recover(); v != nil {
			s.mu.Lock()
			s.restoreLocked(snapshot)
			s.mu.Unlock()
			panic(v)
		}
	}()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.restoreLocked(snapshot)
		s.mu.Unlock()
		return err
	}
	return nil
}

type memoryStoreSnapshot struct {
	workspaces    map[string]*Workspace
	deployments   map[string]*Deployment
	builds        map[string]*Build
	databases     map[string]*Database
	buckets       map[string]*Bucket
	bucketObjects map[string]*BucketObject
	agents        map[string]*Agent
	domains       map[string]*Domain
}

func (s *memoryStore) snapshotLocked() memoryStoreSnapshot {
	return memoryStoreSnapshot{
		workspaces:    cloneMap(s.workspaces),
		deployments:   cloneMap(s.deployments),
		builds:        cloneMap(s.builds),
		databases:     cloneMap(s.databases),
		buckets:       cloneMap(s.buckets),
		bucketObjects: cloneMap(s.bucketObjects),
		agents:        cloneMap(s.agents),
		domains:       cloneMap(s.domains),
	}
}

func (s *memoryStore) restoreLocked(snap memoryStoreSnapshot) {
	s.workspaces = snap.workspaces
	s.deployments = snap.deployments
	s.builds = snap.builds
	s.databases = snap.databases
	s.buckets = snap.buckets
	s.bucketObjects = snap.bucketObjects
	s.agents = snap.agents
	s.domains = snap.domains
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
