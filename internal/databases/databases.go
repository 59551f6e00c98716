// Package databases is the database specialization: a thin
// wrapper over the Container Lifecycle Manager that picks the
// right engine image and environment, generates credentials, and
// surfaces typed connection strings. SQLITE is the one engine with no
// container and no port.
package databases

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalpana-labs/kalpana-controlplane/internal/containers"
	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/logger"
	"github.com/kalpana-labs/kalpana-controlplane/internal/proxy"
	"github.com/kalpana-labs/kalpana-controlplane/internal/store"
	"github.com/kalpana-labs/kalpana-controlplane/internal/utils"
)

// PortAllocator is the subset of portalloc.Allocator this package needs.
type PortAllocator interface {
	AllocatePort(ctx context.Context) (int, error)
	AllocatePortPair(ctx context.Context) (int, int, error)
	ReleasePort(port int)
}

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
}

func New(mgr *containers.Manager, ports PortAllocator, px *proxy.Orchestrator, st store.Store, cfg Config) *Service {
	return &Service{containers: mgr, ports: ports, proxy: px, store: st, cfg: cfg, log: logger.Named("databases")}
}

// engineImages names the default image tag run for each container-
// backed engine. SQLite is absent: it never runs a container.
var engineImages = map[enum.DatabaseEngine]string{
	enum.DatabasePostgres: "postgres:16-alpine",
	enum.DatabaseMySQL:    "mysql:8",
	enum.DatabaseMongoDB:  "mongo:7",
	enum.DatabaseRedis:    "redis:7-alpine",
}

var engineProtocols = map[enum.DatabaseEngine]enum.TCPRouteProtocol{
	enum.DatabasePostgres: enum.ProtocolPostgres,
	enum.DatabaseMySQL:    enum.ProtocolMySQL,
	enum.DatabaseMongoDB:  enum.ProtocolMongoDB,
	enum.DatabaseRedis:    enum.ProtocolRedis,
}

func engineEnv(engine enum.DatabaseEngine, username, password, dbName string) []string {
	switch engine {
	case enum.DatabasePostgres:
		return []string{"POSTGRES_USER=" + username, "POSTGRES_PASSWORD=" + password, "POSTGRES_DB=" + dbName}
	case enum.DatabaseMySQL:
		return []string{
			"MYSQL_ROOT_PASSWORD=" + password, "MYSQL_USER=" + username,
			"MYSQL_PASSWORD=" + password, "MYSQL_DATABASE=" + dbName,
		}
	case enum.DatabaseMongoDB:
		return []string{"MONGO_INITDB_ROOT_USERNAME=" + username, "MONGO_INITDB_ROOT_PASSWORD=" + password, "MONGO_INITDB_DATABASE=" + dbName}
	case enum.DatabaseRedis:
		return nil
	default:
		return nil
	}
}

func engineCommand(engine enum.DatabaseEngine, password string) []string {
	if engine == enum.DatabaseRedis {
		return []string{"redis-server", "--requirepass", password}
	}
	return nil
}

func containerName(databaseID string) string { return "database-" + databaseID }

// CreateRequest describes a database provisioning call. Username,
// Password, and DBName are generated when left empty.
type CreateRequest struct {
	OwnerUserID string
	DisplayName string
	Engine      enum.DatabaseEngine
	Version     string
	Username    string
	Password    string
	DBName      string
	DomainID    *string
	Subdomain   *string
}

// Create provisions a Database resource: generates credentials (if
// not supplied), picks a subdomain, creates the container (unless
// SQLITE), and attaches routing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Database, error) {
	id := uuid.New().String()

	username := req.Username
	if username == "" {
		var err error
		username, err = utils.GenerateSecureUsername()
		if err != nil {
			return nil, fmt.Errorf("databases: generate username: %w", err)
		}
	}
	password := req.Password
	if password == "" {
		var err error
		password, err = utils.GenerateSecurePassword()
		if err != nil {
			return nil, fmt.Errorf("databases: generate password: %w", err)
		}
	}
	dbName := req.DBName
	if dbName == "" {
		dbName = "app"
	}

	db := &store.Database{
		Resource: store.Resource{
			ID:          id,
			OwnerUserID: req.OwnerUserID,
			DisplayName: req.DisplayName,
			Status:      enum.StatusCreating,
			DomainID:    req.DomainID,
			Subdomain:   req.Subdomain,
		},
		Engine:   req.Engine,
		Version:  req.Version,
		Username: username,
		Password: password,
		DBName:   dbName,
	}

	if req.Engine == enum.DatabaseSQLite {
		db.Host = ""
		db.Status = enum.StatusRunning
		if err := s.store.CreateDatabase(ctx, db); err != nil {
			return nil, err
		}
		return db, nil
	}

	if db.Subdomain == nil {
		generated, err := utils.GenerateSubdomain("db-", req.DisplayName, func(candidate string) (bool, error) {
			return s.subdomainTaken(ctx, req.DomainID, candidate)
		})
		if err != nil {
			return nil, fmt.Errorf("databases: generate subdomain: %w", err)
		}
		db.Subdomain = &generated
	} else if !utils.ValidSubdomain(*db.Subdomain) {
		return nil, fmt.Errorf("databases: invalid subdomain %q", *db.Subdomain)
	}

	image := engineImages[req.Engine]
	if err := s.containers.EnsureImage(ctx, image); err != nil {
		return nil, fmt.Errorf("databases: ensure image: %w", err)
	}

	internalPort := req.Engine.DefaultPort()
	port, err := s.ports.AllocatePort(ctx)
	if err != nil {
		return nil, fmt.Errorf("databases: allocate port: %w", err)
	}

	route, err := s.resolveRoute(ctx, db)
	if err != nil {
		s.ports.ReleasePort(port)
		return nil, err
	}

	labels := map[string]string{
		containers.LabelManaged:    "true",
		containers.LabelDatabaseID: id,
	}
	exposedPorts := map[string]int{fmt.Sprintf("%d", internalPort): 0}
	if route.Domain == "" {
		exposedPorts[fmt.Sprintf("%d", internalPort)] = port
	} else {
		for k, v := range proxy.LabelsForTCP(id, route.Subdomain, route.Domain, engineProtocols[req.Engine], internalPort) {
			labels[k] = v
		}
	}

	spec := containers.ManagedSpec{
		Name:         containerName(id),
		Image:        image,
		Labels:       labels,
		Env:          engineEnv(req.Engine, username, password, dbName),
		Cmd:          engineCommand(req.Engine, password),
		ExposedPorts: exposedPorts,
		Network:      s.cfg.NetworkName,
	}
	containerID, err := s.containers.Create(ctx, spec, s.ports)
	if err != nil {
		s.ports.ReleasePort(port)
		return nil, fmt.Errorf("databases: create container: %w", err)
	}
	if route.Domain != "" {
		if err := s.proxy.Attach(ctx, containerID); err != nil {
			return nil, fmt.Errorf("databases: attach to proxy network: %w", err)
		}
	}

	db.ContainerID = &containerID
	db.Host = containerName(id)
	if route.Domain == "" {
		db.ExternalPort = &port
	} else {
		s.ports.ReleasePort(port)
	}
	db.Status = enum.StatusRunning

	if err := s.store.CreateDatabase(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
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

func (s *Service) resolveRoute(ctx context.Context, d *store.Database) (proxy.Route, error) {
	if d.DomainID == nil {
		return proxy.ResolveDomain(nil, nil, false, d.ID, s.cfg.BaseDomain), nil
	}
	domain, err := s.store.FindDomainByID(ctx, *d.DomainID)
	if err != nil {
		return proxy.Route{}, fmt.Errorf("databases: lookup domain %s: %w", *d.DomainID, err)
	}
	return proxy.ResolveDomain(&domain.Name, d.Subdomain, domain.Verified, d.ID, s.cfg.BaseDomain), nil
}

// Destroy stops and removes the database's container (if any),
// releases its port, and deletes the resource record.
func (s *Service) Destroy(ctx context.Context, databaseID string, removeVolume bool) error {
	d, err := s.store.FindDatabaseByID(ctx, databaseID)
	if err != nil {
		return err
	}
	if d.ContainerID != nil {
		if err := s.proxy.Detach(ctx, *d.ContainerID); err != nil {
			s.log.Warn(ctx, "detach database container from proxy", "database_id", databaseID, "error", err)
		}
		volumeID := ""
		if d.VolumeID != nil {
			volumeID = *d.VolumeID
		}
		if err := s.containers.Destroy(ctx, *d.ContainerID, removeVolume, volumeID); err != nil {
			return fmt.Errorf("databases: destroy container: %w", err)
		}
	}
	if d.ExternalPort != nil {
		s.ports.ReleasePort(*d.ExternalPort)
	}
	return s.store.DeleteDatabase(ctx, databaseID)
}

// ConnectionStrings returns the external, internal, and domain-based
// forms applicable to d, keyed by protocol. SQLITE has none of these
// (it has no container and no port); callers should use DBName as a
// local file path instead. The domain-based form reflects the same
// routing precedence Create applied (resolveRoute), not d.Subdomain
// directly, since a database with no custom domain still routes under
// the platform base domain keyed by its resource id.
func (s *Service) ConnectionStrings(ctx context.Context, d *store.Database) (external, internal, domainBased string, err error) {
	protocol := string(engineProtocols[d.Engine])
	if protocol == "" {
		return "", "", "", nil
	}
	port := d.Engine.DefaultPort()

	if d.ExternalPort != nil {
		external = fmt.Sprintf("%s://%s:%s@localhost:%d/%s", protocol, d.Username, d.Password, *d.ExternalPort, d.DBName)
	}
	if d.Host != "" {
		internal = fmt.Sprintf("%s://%s:%s@%s:%d/%s", protocol, d.Username, d.Password, d.Host, port, d.DBName)
	}
	route, err := s.resolveRoute(ctx, d)
	if err != nil {
		return "", "", "", err
	}
	if route.Domain != "" {
		domainBased = fmt.Sprintf("%s://%s:%s@%s.%s:%d/%s", protocol, d.Username, d.Password, route.Subdomain, route.Domain, port, d.DBName)
	}
	return external, internal, domainBased, nil
}
