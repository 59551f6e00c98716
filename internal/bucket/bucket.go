// Package bucket is the bucket specialization: a thin wrapper
// over the Container Lifecycle Manager that runs a MinIO
// S3-compatible server per bucket, proxies object operations to it
// through internal/s3, and keeps the BucketObject rows and the
// objectCount/totalSizeBytes invariant in sync on
// every mutation. Grounded on internal/databases (same shape: pick
// image/env, allocate ports, resolve routing, create container) with
// the object-proxy half grounded on internal/s3's minio-go wrapper.
package bucket

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/kalpana-labs/kalpana-controlplane/internal/containers"
	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/logger"
	"github.com/kalpana-labs/kalpana-controlplane/internal/proxy"
	"github.com/kalpana-labs/kalpana-controlplane/internal/s3"
	"github.com/kalpana-labs/kalpana-controlplane/internal/store"
	"github.com/kalpana-labs/kalpana-controlplane/internal/utils"
)

// PortAllocator is the subset of portalloc.Allocator this package needs.
type PortAllocator interface {
	AllocatePortPair(ctx context.Context) (int, int, error)
	ReleasePort(port int)
}

// healthPollAttempts/healthPollInterval bound the bucket server's
// readiness poll: up to 30 tries at 1s of the container's health as
// reported by IsHealthy before considering the bucket RUNNING. The
// server's /health/live endpoint is not queried.
const (
	healthPollAttempts = 30
	healthPollInterval = time.Second

	bucketImage = "minio/minio:latest"
)

type Config struct {
	NetworkName string
	BaseDomain  string
}

type Service struct {
	containers *containers.Manager
	ports      PortAllocator
	proxy      *proxy.Orchestrator
	store      store.Store
	cfg        Config
	log        *logger.Logger

	// newClient is overridable in tests; production wiring points it at
	// s3.NewClient.
	newClient func(*s3.Config) (objectClient, error)
}

// objectClient is the subset of *s3.Client the service needs, declared
// locally so tests can substitute a fake without a live MinIO server.
type objectClient interface {
	PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string) ([]s3.ObjectInfo, error)
	HeadObject(ctx context.Context, key string) (*s3.ObjectInfo, error)
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	PresignedPutURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	EnsureBucket(ctx context.Context, region string) error
}

func New(mgr *containers.Manager, ports PortAllocator, px *proxy.Orchestrator, st store.Store, cfg Config) *Service {
	return &Service{
		containers: mgr, ports: ports, proxy: px, store: st, cfg: cfg,
		log: logger.Named("bucket"),
		newClient: func(c *s3.Config) (objectClient, error) { return s3.NewClient(c) },
	}
}

func containerName(bucketID string) string { return "bucket-" + bucketID }

// CreateRequest describes a bucket provisioning call. AccessKey and
// SecretKey are generated when left empty.
type CreateRequest struct {
	OwnerUserID  string
	DisplayName  string
	Region       string
	Versioning   bool
	Encryption   bool
	PublicAccess bool
	MaxSizeBytes *int64
	AccessKey    string
	SecretKey    string
	DomainID     *string
	Subdomain    *string
}

// Create provisions a Bucket resource: generates S3 credentials (if
// not supplied), allocates an API+console port pair, creates the MinIO
// container, polls its container health, creates the logical bucket
// inside it, and (for PublicAccess buckets) assigns a globally unique
// publicUrl slug.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Bucket, error) {
	id := uuid.New().String()

	accessKey := req.AccessKey
	if accessKey == "" {
		var err error
		accessKey, err = utils.GenerateSecureUsername()
		if err != nil {
			return nil, fmt.Errorf("bucket: generate access key: %w", err)
		}
	}
	secretKey := req.SecretKey
	if secretKey == "" {
		var err error
		secretKey, err = utils.GenerateSecurePassword()
		if err != nil {
			return nil, fmt.Errorf("bucket: generate secret key: %w", err)
		}
	}
	region := req.Region
	if region == "" {
		region = "us-east-1"
	}

	if existing, err := s.store.FindBucketByOwnerAndName(ctx, req.OwnerUserID, req.DisplayName); err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("bucket: check name uniqueness: %w", err)
	} else if existing != nil {
		return nil, fmt.Errorf("bucket: name %q already in use", req.DisplayName)
	}

	b := &store.Bucket{
		Resource: store.Resource{
			ID:          id,
			OwnerUserID: req.OwnerUserID,
			DisplayName: req.DisplayName,
			Status:      enum.StatusCreating,
			DomainID:    req.DomainID,
			Subdomain:   req.Subdomain,
		},
		AccessKey:    accessKey,
		SecretKey:    secretKey,
		Region:       region,
		Versioning:   req.Versioning,
		Encryption:   req.Encryption,
		PublicAccess: req.PublicAccess,
		MaxSizeBytes: req.MaxSizeBytes,
	}

	if b.Subdomain == nil {
		generated, err := utils.GenerateSubdomain("storage-", req.DisplayName, func(candidate string) (bool, error) {
			return s.subdomainTaken(ctx, req.DomainID, candidate)
		})
		if err != nil {
			return nil, fmt.Errorf("bucket: generate subdomain: %w", err)
		}
		b.Subdomain = &generated
	} else if !utils.ValidSubdomain(*b.Subdomain) {
		return nil, fmt.Errorf("bucket: invalid subdomain %q", *b.Subdomain)
	}

	if req.PublicAccess {
		slug, err := s.generatePublicURL(ctx, req.DisplayName)
		if err != nil {
			return nil, fmt.Errorf("bucket: generate public url: %w", err)
		}
		b.PublicURL = &slug
	}

	if err := s.containers.EnsureImage(ctx, bucketImage); err != nil {
		return nil, fmt.Errorf("bucket: ensure image: %w", err)
	}

	apiPort, consolePort, err := s.ports.AllocatePortPair(ctx)
	if err != nil {
		return nil, fmt.Errorf("bucket: allocate port pair: %w", err)
	}

	route, err := s.resolveRoute(ctx, b)
	if err != nil {
		s.ports.ReleasePort(apiPort)
		s.ports.ReleasePort(consolePort)
		return nil, err
	}

	labels := map[string]string{
		containers.LabelManaged:  "true",
		containers.LabelBucketID: id,
	}
	exposedPorts := map[string]int{"9000": 0, "9001": 0}
	if route.Domain == "" {
		exposedPorts["9000"] = apiPort
		exposedPorts["9001"] = consolePort
	} else {
		for k, v := range proxy.LabelsForHTTP(id, route.Subdomain, route.Domain, 9000) {
			labels[k] = v
		}
	}

	spec := containers.ManagedSpec{
		Name:   containerName(id),
		Image:  bucketImage,
		Labels: labels,
		Env: []string{
			"MINIO_ROOT_USER=" + accessKey,
			"MINIO_ROOT_PASSWORD=" + secretKey,
		},
		Cmd:          []string{"server", "/data", "--console-address", ":9001"},
		ExposedPorts: exposedPorts,
		Network:      s.cfg.NetworkName,
	}
	containerID, err := s.containers.Create(ctx, spec, s.ports)
	if err != nil {
		s.ports.ReleasePort(apiPort)
		s.ports.ReleasePort(consolePort)
		return nil, fmt.Errorf("bucket: create container: %w", err)
	}
	if route.Domain != "" {
		if err := s.proxy.Attach(ctx, containerID); err != nil {
			return nil, fmt.Errorf("bucket: attach to proxy network: %w", err)
		}
	}

	b.ContainerID = &containerID
	if route.Domain == "" {
		b.APIPort = &apiPort
		b.ConsolePort = &consolePort
	} else {
		s.ports.ReleasePort(apiPort)
		s.ports.ReleasePort(consolePort)
	}

	endpoint, err := s.waitHealthy(ctx, containerID, route, apiPort)
	if err != nil {
		b.Status = enum.StatusError
		_ = s.store.CreateBucket(ctx, b)
		return b, fmt.Errorf("bucket: wait healthy: %w", err)
	}

	client, err := s.newClient(&s3.Config{
		Endpoint: endpoint, Bucket: b.ID, AccessKeyID: accessKey, SecretAccessKey: secretKey,
		Region: region, UseSSL: route.Domain != "", ForcePathStyle: true,
	})
	if err != nil {
		return nil, fmt.Errorf("bucket: build s3 client: %w", err)
	}
	if err := client.EnsureBucket(ctx, region); err != nil {
		return nil, fmt.Errorf("bucket: create logical bucket: %w", err)
	}

	b.Status = enum.StatusRunning
	if err := s.store.CreateBucket(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// waitHealthy polls the container through IsHealthy (Docker's
// healthcheck status, or the running state when the image defines no
// healthcheck) up to 30 times at 1s intervals and returns the host:port
// clients should dial. It does not query the MinIO server's
// /health/live endpoint.
func (s *Service) waitHealthy(ctx context.Context, containerID string, route proxy.Route, apiPort int) (string, error) {
	endpoint := fmt.Sprintf("localhost:%d", apiPort)
	if route.Domain != "" {
		endpoint = route.Subdomain + "." + route.Domain
	}
	var lastErr error
	for attempt := 0; attempt < healthPollAttempts; attempt++ {
		healthy, err := s.containers.IsHealthy(ctx, containerID)
		if err == nil && healthy {
			return endpoint, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
	return "", fmt.Errorf("bucket: server never became healthy: %w", lastErr)
}

func (s *Service) subdomainTaken(ctx context.Context, domainID *string, candidate string) (bool, error) {
	if domainID == nil {
		return false, nil
	}
	_, err := s.store.FindResourceBySubdomain(ctx, *domainID, candidate)
	if err == store.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) generatePublicURL(ctx context.Context, name string) (string, error) {
	return utils.GenerateSubdomain("", name, func(candidate string) (bool, error) {
		existing, err := s.store.FindBucketByPublicURL(ctx, candidate)
		if err == store.ErrNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return existing != nil, nil
	})
}

func (s *Service) resolveRoute(ctx context.Context, b *store.Bucket) (proxy.Route, error) {
	if b.DomainID == nil {
		return proxy.ResolveDomain(nil, nil, false, b.ID, s.cfg.BaseDomain), nil
	}
	domain, err := s.store.FindDomainByID(ctx, *b.DomainID)
	if err != nil {
		return proxy.Route{}, fmt.Errorf("bucket: lookup domain %s: %w", *b.DomainID, err)
	}
	return proxy.ResolveDomain(&domain.Name, b.Subdomain, domain.Verified, b.ID, s.cfg.BaseDomain), nil
}

// Destroy stops and removes the bucket's MinIO container, releases its
// ports, and deletes the resource record. Only the bucket row is
// deleted: the bucket's BucketObject rows are left in the store.
func (s *Service) Destroy(ctx context.Context, bucketID string, removeVolume bool) error {
	b, err := s.store.FindBucketByID(ctx, bucketID)
	if err != nil {
		return err
	}
	if b.ContainerID != nil {
		if err := s.proxy.Detach(ctx, *b.ContainerID); err != nil {
			s.log.Warn(ctx, "detach bucket container from proxy", "bucket_id", bucketID, "error", err)
		}
		volumeID := ""
		if b.VolumeID != nil {
			volumeID = *b.VolumeID
		}
		if err := s.containers.Destroy(ctx, *b.ContainerID, removeVolume, volumeID); err != nil {
			return fmt.Errorf("bucket: destroy container: %w", err)
		}
	}
	if b.APIPort != nil {
		s.ports.ReleasePort(*b.APIPort)
	}
	if b.ConsolePort != nil {
		s.ports.ReleasePort(*b.ConsolePort)
	}
	return s.store.DeleteBucket(ctx, bucketID)
}

// client resolves the object client for a bucket's own server, used by
// every object operation below.
func (s *Service) client(ctx context.Context, b *store.Bucket) (objectClient, error) {
	route, err := s.resolveRoute(ctx, b)
	if err != nil {
		return nil, err
	}
	endpoint := ""
	if b.APIPort != nil {
		endpoint = fmt.Sprintf("localhost:%d", *b.APIPort)
	} else if route.Domain != "" {
		endpoint = route.Subdomain + "." + route.Domain
	}
	return s.newClient(&s3.Config{
		Endpoint: endpoint, Bucket: b.ID, AccessKeyID: b.AccessKey, SecretAccessKey: b.SecretKey,
		Region: b.Region, UseSSL: route.Domain != "", ForcePathStyle: true,
	})
}

// UploadObject proxies the upload to the bucket's own server, then
// upserts the BucketObject row and recomputes the bucket's
// objectCount/totalSizeBytes invariant.
func (s *Service) UploadObject(ctx context.Context, bucketID, key string, r io.Reader, size int64, contentType string) (*store.BucketObject, error) {
	b, err := s.store.FindBucketByID(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	c, err := s.client(ctx, b)
	if err != nil {
		return nil, err
	}
	etag, err := c.PutObject(ctx, key, r, size, contentType)
	if err != nil {
		return nil, fmt.Errorf("bucket: upload %s: %w", key, err)
	}

	obj := &store.BucketObject{
		BucketID: bucketID, Key: key, VersionID: etag,
		Size: size, ContentType: contentType, ETag: etag,
		IsPublic: b.PublicAccess,
	}
	if err := s.store.UpsertBucketObject(ctx, obj); err != nil {
		return nil, err
	}
	if err := s.recomputeCounts(ctx, bucketID); err != nil {
		return nil, err
	}
	return obj, nil
}

// DownloadObject proxies the download to the bucket's own server.
func (s *Service) DownloadObject(ctx context.Context, bucketID, key string) (io.ReadCloser, error) {
	b, err := s.store.FindBucketByID(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	c, err := s.client(ctx, b)
	if err != nil {
		return nil, err
	}
	return c.GetObject(ctx, key)
}

// DeleteObject proxies the delete, removes the BucketObject row, and
// recomputes objectCount/totalSizeBytes.
func (s *Service) DeleteObject(ctx context.Context, bucketID, key, versionID string) error {
	b, err := s.store.FindBucketByID(ctx, bucketID)
	if err != nil {
		return err
	}
	c, err := s.client(ctx, b)
	if err != nil {
		return err
	}
	if err := c.DeleteObject(ctx, key); err != nil {
		return fmt.Errorf("bucket: delete %s: %w", key, err)
	}
	if err := s.store.DeleteBucketObject(ctx, bucketID, key, versionID); err != nil {
		return err
	}
	return s.recomputeCounts(ctx, bucketID)
}

// ListObjects returns every BucketObject row with the given key prefix.
func (s *Service) ListObjects(ctx context.Context, bucketID, prefix string) ([]*store.BucketObject, error) {
	return s.store.ListBucketObjects(ctx, bucketID, prefix)
}

// HeadObject returns metadata for key from the bucket's own server
// without downloading its body.
func (s *Service) HeadObject(ctx context.Context, bucketID, key string) (*s3.ObjectInfo, error) {
	b, err := s.store.FindBucketByID(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	c, err := s.client(ctx, b)
	if err != nil {
		return nil, err
	}
	return c.HeadObject(ctx, key)
}

// PresignedGetURL returns a time-limited download URL for key.
func (s *Service) PresignedGetURL(ctx context.Context, bucketID, key string, expiry time.Duration) (string, error) {
	b, err := s.store.FindBucketByID(ctx, bucketID)
	if err != nil {
		return "", err
	}
	c, err := s.client(ctx, b)
	if err != nil {
		return "", err
	}
	return c.PresignedGetURL(ctx, key, expiry)
}

// PresignedPutURL returns a time-limited upload URL for key.
func (s *Service) PresignedPutURL(ctx context.Context, bucketID, key string, expiry time.Duration) (string, error) {
	b, err := s.store.FindBucketByID(ctx, bucketID)
	if err != nil {
		return "", err
	}
	c, err := s.client(ctx, b)
	if err != nil {
		return "", err
	}
	return c.PresignedPutURL(ctx, key, expiry)
}

// recomputeCounts enforces the bucket invariant: objectCount
// and totalSizeBytes must equal the count and size-sum of the bucket's
// current BucketObject rows after every mutation.
func (s *Service) recomputeCounts(ctx context.Context, bucketID string) error {
	objs, err := s.store.ListBucketObjects(ctx, bucketID, "")
	if err != nil {
		return err
	}
	b, err := s.store.FindBucketByID(ctx, bucketID)
	if err != nil {
		return err
	}
	var total int64
	for _, o := range objs {
		total += o.Size
	}
	b.ObjectCount = int64(len(objs))
	b.TotalSizeBytes = total
	return s.store.UpdateBucket(ctx, b)
}
