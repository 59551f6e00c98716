// Package workspace implements the workspace-specific slice of the
// Container Lifecycle Manager: the multi-step creation algorithm and
// the readiness watcher that follows it. Generic container CRUD
// (start/stop/restart/destroy/exec/logs) lives in internal/containers;
// this package supplies the workspace class's image, volumes, ports,
// env contract, and sentinel-based readiness detection.
package workspace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/google/uuid"

	"github.com/kalpana-labs/kalpana-controlplane/internal/containers"
	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/logger"
	"github.com/kalpana-labs/kalpana-controlplane/internal/secrets"
	"github.com/kalpana-labs/kalpana-controlplane/internal/store"
)

const (
	editorPort = "8080"
	bridgePort = "3001"

	readinessTimeout  = 2 * time.Minute
	readinessTailLine = 200
)

// bridgeSentinels are the log lines indicating the in-container agent
// bridge has finished starting.
var bridgeSentinels = []string{
	"Agent bridge started",
	"Agent bridge running",
	"WebSocket server available",
}

const editorSentinel = "HTTP server listening"

// Config holds the deployment-wide settings workspace creation draws on.
type Config struct {
	NetworkName          string
	NixVolumeName        string
	ExtensionsVolumeName string
	MemoryBytes          int64
	NanoCPUs             int64
}

// Service creates and manages workspace containers.
type Service struct {
	containers *containers.Manager
	ports      containers.PortAllocator
	store      store.Store
	cfg        Config
	log        *logger.Logger
}

// New returns a Service. ports satisfies containers.PortAllocator
// (portalloc.Allocator does, by matching method set).
func New(mgr *containers.Manager, ports containers.PortAllocator, st store.Store, cfg Config) *Service {
	return &Service{containers: mgr, ports: ports, store: st, cfg: cfg, log: logger.Named("workspace")}
}

// CreateRequest is the input to CreateWorkspace.
type CreateRequest struct {
	OwnerUserID string
	DisplayName string

	RepoURL    string
	CloneToken *string
	Preset     string

	GitUserName  string
	GitUserEmail string

	CustomPresetSettings   string
	CustomPresetExtensions string

	OpenRouterAPIKey  string
	AutocompleteModel string

	// SecretEnv holds plaintext values; they are encrypted before
	// persisting and injected into the container plaintext.
	SecretEnv map[string]string
}

// Create runs the workspace creation algorithm end to end: ensure
// image, ensure volumes, allocate ports, create+start the container,
// persist the record, and launch the background readiness watcher.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Workspace, error) {
	if err := s.containers.EnsureWorkspaceImage(ctx); err != nil {
		return nil, fmt.Errorf("workspace: ensure image: %w", err)
	}

	id := uuid.New().String()
	volumeName := "kalpana-workspace-" + id
	if err := s.containers.EnsureVolume(ctx, volumeName, id); err != nil {
		return nil, fmt.Errorf("workspace: ensure volume: %w", err)
	}
	if err := s.containers.EnsureVolume(ctx, s.cfg.NixVolumeName, ""); err != nil {
		return nil, fmt.Errorf("workspace: ensure nix cache volume: %w", err)
	}
	if err := s.containers.EnsureVolume(ctx, s.cfg.ExtensionsVolumeName, ""); err != nil {
		return nil, fmt.Errorf("workspace: ensure extensions cache volume: %w", err)
	}

	encryptedEnv, err := secrets.EncryptEnvMap(req.SecretEnv)
	if err != nil {
		return nil, fmt.Errorf("workspace: encrypt secret env: %w", err)
	}

	w := &store.Workspace{
		Resource: store.Resource{
			ID:          id,
			OwnerUserID: req.OwnerUserID,
			DisplayName: req.DisplayName,
			Status:      enum.StatusCreating,
			VolumeID:    &volumeName,
		},
		RepoURL:    req.RepoURL,
		CloneToken: req.CloneToken,
		Preset:     req.Preset,
		SecretEnv:  encryptedEnv,
	}
	if err := s.store.CreateWorkspace(ctx, w); err != nil {
		return nil, fmt.Errorf("workspace: create record: %w", err)
	}

	containerName := "workspace-" + id
	spec := containers.ManagedSpec{
		Name:   containerName,
		Image:  s.containers.WorkspaceImage(),
		Labels: map[string]string{containers.LabelWorkspaceID: id},
		Env:    buildEnv(id, req),
		ExposedPorts: map[string]int{
			editorPort: 0,
			bridgePort: 0,
		},
		Binds: []mount.Mount{
			{Type: mount.TypeVolume, Source: volumeName, Target: "/workspace"},
			{Type: mount.TypeVolume, Source: s.cfg.NixVolumeName, Target: "/nix"},
			{Type: mount.TypeVolume, Source: s.cfg.ExtensionsVolumeName, Target: "/root/.vscode-extensions"},
		},
		Network:     s.cfg.NetworkName,
		MemoryBytes: s.cfg.MemoryBytes,
		NanoCPUs:    s.cfg.NanoCPUs,
	}

	vscodePort, agentPort, err := s.ports.AllocatePortPair(ctx)
	if err != nil {
		w.Status = enum.StatusError
		_ = s.store.UpdateWorkspace(ctx, w)
		return nil, fmt.Errorf("workspace: allocate port pair: %w", err)
	}
	spec.ExposedPorts[editorPort] = vscodePort
	spec.ExposedPorts[bridgePort] = agentPort

	containerID, err := s.containers.Create(ctx, spec, s.ports)
	if err != nil {
		s.ports.ReleasePort(vscodePort)
		s.ports.ReleasePort(agentPort)
		w.Status = enum.StatusError
		if uerr := s.store.UpdateWorkspace(ctx, w); uerr != nil {
			s.log.Error(ctx, "failed to persist ERROR status after create failure", "workspace_id", id, "error", uerr)
		}
		return nil, fmt.Errorf("workspace: create container: %w", err)
	}

	// Re-read the ports actually bound, in case Create's internal
	// retry reassigned them after a bind race.
	bound, err := s.containers.InspectHostPorts(ctx, containerID)
	if err == nil {
		if p, ok := bound[editorPort+"/tcp"]; ok && p != 0 {
			vscodePort = p
		}
		if p, ok := bound[bridgePort+"/tcp"]; ok && p != 0 {
			agentPort = p
		}
	}

	w.ContainerID = &containerID
	w.VSCodePort = &vscodePort
	w.AgentPort = &agentPort
	w.Status = enum.StatusStarting
	if err := s.store.UpdateWorkspace(ctx, w); err != nil {
		return nil, fmt.Errorf("workspace: persist container id: %w", err)
	}

	go s.watchReadiness(context.WithoutCancel(ctx), id, containerID)

	return w, nil
}

// buildEnv assembles the container environment contract: the fixed
// workspace variables plus the caller's secret env,
// appended as plaintext KEY=VALUE pairs (the container only ever sees
// plaintext; encryption applies to the persisted record).
func buildEnv(workspaceID string, req CreateRequest) []string {
	env := []string{
		"WORKSPACE_ID=" + workspaceID,
		"GITHUB_REPO=" + req.RepoURL,
		"TEMPLATE=" + req.Preset,
		"PRESET=" + req.Preset,
		"GIT_USER_NAME=" + req.GitUserName,
		"GIT_USER_EMAIL=" + req.GitUserEmail,
		"CUSTOM_PRESET_SETTINGS=" + req.CustomPresetSettings,
		"CUSTOM_PRESET_EXTENSIONS=" + req.CustomPresetExtensions,
		"OPENROUTER_API_KEY=" + req.OpenRouterAPIKey,
		"AUTOCOMPLETE_MODEL=" + req.AutocompleteModel,
	}
	if req.CloneToken != nil {
		env = append(env, "GITHUB_TOKEN="+*req.CloneToken)
	}
	for k, v := range req.SecretEnv {
		env = append(env, k+"="+v)
	}
	return env
}

// watchReadiness streams container logs scanning for the bridge and
// editor sentinels; once both have appeared it inspects the container
// and, if still running, advances the record to RUNNING. A timeout
// with no sentinels leaves the record at STARTING rather than forcing
// ERROR — a later user action's status reconciliation may advance it.
func (s *Service) watchReadiness(ctx context.Context, workspaceID, containerID string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(ctx, "readiness watcher panic recovered", "workspace_id", workspaceID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	var bridgeReady, editorReady bool
	onLine := func(stream, line string) {
		clean := stripControlChars(line)
		if !bridgeReady {
			for _, sentinel := range bridgeSentinels {
				if strings.Contains(clean, sentinel) {
					bridgeReady = true
					break
				}
			}
		}
		if !editorReady && strings.Contains(clean, editorSentinel) {
			editorReady = true
		}
		if bridgeReady && editorReady {
			cancel()
		}
	}

	if err := s.containers.StreamLogs(ctx, containerID, readinessTailLine, onLine); err != nil && ctx.Err() == nil {
		s.log.Warn(ctx, "readiness watcher log stream ended with error", "workspace_id", workspaceID, "error", err)
		return
	}

	if !bridgeReady || !editorReady {
		return
	}

	healthy, err := s.containers.IsHealthy(context.WithoutCancel(ctx), containerID)
	if err != nil || !healthy {
		return
	}

	w, err := s.store.FindWorkspaceByID(context.WithoutCancel(ctx), workspaceID)
	if err != nil {
		return
	}
	w.Status = enum.StatusRunning
	_ = s.store.UpdateWorkspace(context.WithoutCancel(ctx), w)
}

func stripControlChars(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 || c == '\t' {
			out = append(out, c)
		}
	}
	return string(out)
}

// Start restarts a stopped workspace's container and re-launches the
// readiness watcher.
func (s *Service) Start(ctx context.Context, workspaceID string) error {
	w, err := s.store.FindWorkspaceByID(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("workspace: find %s: %w", workspaceID, err)
	}
	if w.ContainerID == nil {
		return fmt.Errorf("workspace: %s has no container to start", workspaceID)
	}
	if err := s.containers.Start(ctx, *w.ContainerID); err != nil {
		return fmt.Errorf("workspace: start container: %w", err)
	}
	w.Status = enum.StatusStarting
	if err := s.store.UpdateWorkspace(ctx, w); err != nil {
		return err
	}
	go s.watchReadiness(context.WithoutCancel(ctx), workspaceID, *w.ContainerID)
	return nil
}

// Stop stops the workspace's container, releases its ports, and clears
// them from the record.
func (s *Service) Stop(ctx context.Context, workspaceID string) error {
	w, err := s.store.FindWorkspaceByID(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("workspace: find %s: %w", workspaceID, err)
	}
	w.Status = enum.StatusStopping
	_ = s.store.UpdateWorkspace(ctx, w)

	if w.ContainerID != nil {
		if err := s.containers.Stop(ctx, *w.ContainerID); err != nil {
			w.Status = enum.StatusError
			_ = s.store.UpdateWorkspace(ctx, w)
			return fmt.Errorf("workspace: stop container: %w", err)
		}
	}

	if w.VSCodePort != nil {
		s.ports.ReleasePort(*w.VSCodePort)
	}
	if w.AgentPort != nil {
		s.ports.ReleasePort(*w.AgentPort)
	}
	w.VSCodePort = nil
	w.AgentPort = nil
	w.Status = enum.StatusStopped
	return s.store.UpdateWorkspace(ctx, w)
}

// Restart restarts the container in place; the readiness watcher drives
// the STARTING→RUNNING transition as it would for a fresh create.
func (s *Service) Restart(ctx context.Context, workspaceID string) error {
	w, err := s.store.FindWorkspaceByID(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("workspace: find %s: %w", workspaceID, err)
	}
	if w.ContainerID == nil {
		return fmt.Errorf("workspace: %s has no container to restart", workspaceID)
	}
	if err := s.containers.Restart(ctx, *w.ContainerID); err != nil {
		return fmt.Errorf("workspace: restart container: %w", err)
	}
	w.Status = enum.StatusStarting
	if err := s.store.UpdateWorkspace(ctx, w); err != nil {
		return err
	}
	go s.watchReadiness(context.WithoutCancel(ctx), workspaceID, *w.ContainerID)
	return nil
}

// Destroy force-removes the container (and, if requested, its
// exclusive volume), releases its ports, and deletes the record.
func (s *Service) Destroy(ctx context.Context, workspaceID string, removeVolume bool) error {
	w, err := s.store.FindWorkspaceByID(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("workspace: find %s: %w", workspaceID, err)
	}

	volumeName := ""
	if w.VolumeID != nil {
		volumeName = *w.VolumeID
	}
	if w.ContainerID != nil {
		if err := s.containers.Destroy(ctx, *w.ContainerID, removeVolume, volumeName); err != nil {
			return fmt.Errorf("workspace: destroy container: %w", err)
		}
	}
	if w.VSCodePort != nil {
		s.ports.ReleasePort(*w.VSCodePort)
	}
	if w.AgentPort != nil {
		s.ports.ReleasePort(*w.AgentPort)
	}
	return s.store.DeleteWorkspace(ctx, workspaceID)
}
