// Package deploy is the Deployment Builder. It drives a Deployment
// through the build/start pipeline in two branches: exec inside an
// already running workspace container, or clone-build-commit in an
// ephemeral one.
package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalpana-labs/kalpana-controlplane/internal/containers"
	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/kalpana-labs/kalpana-controlplane/internal/logger"
	"github.com/kalpana-labs/kalpana-controlplane/internal/proxy"
	"github.com/kalpana-labs/kalpana-controlplane/internal/secrets"
	"github.com/kalpana-labs/kalpana-controlplane/internal/store"
)

// PortAllocator is the subset of portalloc.Allocator the builder needs.
// A superset of containers.PortAllocator, so an Allocator satisfies
// both without adapters.
type PortAllocator interface {
	AllocatePort(ctx context.Context) (int, error)
	AllocatePortPair(ctx context.Context) (int, int, error)
	ReleasePort(port int)
}

// Config holds the deploy-time constants every build/start needs.
type Config struct {
	NetworkName string
	BaseDomain  string
	// BuildImage is the ephemeral image standalone builds run install
	// and build commands in. A generic Debian-based Node image is
	// sufficient; git is installed into it at build time.
	BuildImage string
}

// Service runs deployment builds and manages production containers.
type Service struct {
	containers *containers.Manager
	ports      PortAllocator
	proxy      *proxy.Orchestrator
	store      store.Store
	cfg        Config
	log        *logger.Logger
}

func New(mgr *containers.Manager, ports PortAllocator, px *proxy.Orchestrator, st store.Store, cfg Config) *Service {
	return &Service{containers: mgr, ports: ports, proxy: px, store: st, cfg: cfg, log: logger.Named("deploy")}
}

func buildContainerName(deploymentID string) string { return "build-" + deploymentID }
func buildImageTag(deploymentID string) string      { return "deploy-" + deploymentID + ":latest" }
func prodContainerName(deploymentID string) string  { return "deployment-" + deploymentID }

// logBuffer accumulates build output and flushes it to the Build row
// at most once a second, so a tailing viewer sees progress without
// hammering the store on every line.
type logBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	lastFlush time.Time

	store   store.Store
	buildID string
}

func newLogBuffer(st store.Store, buildID string) *logBuffer {
	return &logBuffer{store: st, buildID: buildID}
}

// Append adds a line and flushes if at least a second has elapsed
// since the last flush.
func (b *logBuffer) Append(ctx context.Context, line string) {
	b.mu.Lock()
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
	due := time.Since(b.lastFlush) >= time.Second
	b.mu.Unlock()
	if due {
		_ = b.flush(ctx)
	}
}

// Flush forces a write regardless of the coalescing window, used at
// terminal transitions so the persisted Build.Logs is complete.
func (b *logBuffer) Flush(ctx context.Context) error {
	return b.flush(ctx)
}

func (b *logBuffer) flush(ctx context.Context) error {
	b.mu.Lock()
	text := b.buf.String()
	b.lastFlush = time.Now()
	b.mu.Unlock()

	build, err := b.store.FindBuildByID(ctx, b.buildID)
	if err != nil {
		return err
	}
	build.Logs = text
	return b.store.UpdateBuild(ctx, build)
}

// Deploy runs the full build/start pipeline for deploymentID. trigger
// is a free-form description ("push", "manual", "webhook") recorded on
// the Build row.
func (s *Service) Deploy(ctx context.Context, deploymentID, trigger string) error {
	d, err := s.store.FindDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}

	build := &store.Build{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		Status:       enum.BuildStatusBuilding,
		Trigger:      trigger,
		StartedAt:    time.Now(),
	}
	if err := s.store.CreateBuild(ctx, build); err != nil {
		return err
	}
	d.Status = enum.StatusBuilding
	if err := s.store.UpdateDeployment(ctx, d); err != nil {
		return err
	}

	logs := newLogBuffer(s.store, build.ID)
	onLog := func(line string) { logs.Append(ctx, line) }

	imageTag, buildErr := s.runBuildBranch(ctx, d, onLog)
	if buildErr != nil {
		onLog("build failed: " + buildErr.Error())
		build.Status = enum.BuildStatusFailed
		now := time.Now()
		build.CompletedAt = &now
		msg := buildErr.Error()
		build.ErrorMessage = &msg
		_ = s.store.UpdateBuild(ctx, build)
		_ = logs.Flush(ctx)
		d.Status = enum.StatusError
		_ = s.store.UpdateDeployment(ctx, d)
		return buildErr
	}

	if err := s.startProduction(ctx, d, imageTag); err != nil {
		onLog("start failed: " + err.Error())
		build.Status = enum.BuildStatusFailed
		now := time.Now()
		build.CompletedAt = &now
		msg := err.Error()
		build.ErrorMessage = &msg
		_ = s.store.UpdateBuild(ctx, build)
		_ = logs.Flush(ctx)
		d.Status = enum.StatusError
		_ = s.store.UpdateDeployment(ctx, d)
		return err
	}

	if imageTag != "" {
		// Best-effort: the production container already committed its
		// own filesystem from this tag, the tag itself is disposable.
		_ = s.containers.RemoveImage(ctx, imageTag)
	}

	build.Status = enum.BuildStatusSuccess
	now := time.Now()
	build.CompletedAt = &now
	if err := s.store.UpdateBuild(ctx, build); err != nil {
		return err
	}
	if err := logs.Flush(ctx); err != nil {
		s.log.Warn(ctx, "final build log flush failed", "deployment_id", deploymentID, "error", err)
	}

	d.Status = enum.StatusRunning
	d.LastDeployedAt = &now
	return s.store.UpdateDeployment(ctx, d)
}

// runBuildBranch dispatches to the workspace-based or standalone
// branch and returns the image tag a production container should run
// from ("" for the workspace-based branch, which reuses the
// workspace's own image).
func (s *Service) runBuildBranch(ctx context.Context, d *store.Deployment, onLog func(string)) (string, error) {
	if d.WorkspaceID != nil {
		return "", s.runWorkspaceBranch(ctx, d, onLog)
	}
	return s.runStandaloneBranch(ctx, d, onLog)
}

// runWorkspaceBranch execs buildCommand inside the linked workspace's
// container at workingDir. A non-zero exit is a failure.
func (s *Service) runWorkspaceBranch(ctx context.Context, d *store.Deployment, onLog func(string)) error {
	ws, err := s.store.FindWorkspaceByID(ctx, *d.WorkspaceID)
	if err != nil {
		return fmt.Errorf("deploy: lookup workspace %s: %w", *d.WorkspaceID, err)
	}
	if ws.ContainerID == nil {
		return fmt.Errorf("deploy: workspace %s has no running container", *d.WorkspaceID)
	}
	if d.BuildCommand == "" {
		return nil
	}

	workingDir := d.WorkingDir
	if workingDir == "" {
		workingDir = "/workspace"
	}
	cmd := []string{"sh", "-c", fmt.Sprintf("cd %s && %s", shellQuote(workingDir), d.BuildCommand)}
	onChunk := func(stream, chunk string) { onLog(chunk) }
	res, err := s.containers.Exec(ctx, *ws.ContainerID, cmd, onChunk)
	if err != nil {
		return fmt.Errorf("deploy: exec build command in workspace container: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("deploy: build command exited %d", res.ExitCode)
	}
	return nil
}

// runStandaloneBranch clones the deployment's GitHub source into an
// ephemeral container, runs install/build, and commits the result as
// an image.
func (s *Service) runStandaloneBranch(ctx context.Context, d *store.Deployment, onLog func(string)) (string, error) {
	if d.GithubRepo == nil || *d.GithubRepo == "" {
		return "", fmt.Errorf("deploy: standalone deployment has no github repo configured")
	}

	buildImage := s.cfg.BuildImage
	if buildImage == "" {
		buildImage = "node:20-bookworm"
	}
	if err := s.containers.EnsureImage(ctx, buildImage); err != nil {
		return "", fmt.Errorf("deploy: ensure build image: %w", err)
	}

	name := buildContainerName(d.ID)
	spec := containers.ManagedSpec{
		Name:  name,
		Image: buildImage,
		Labels: map[string]string{
			containers.LabelManaged:      "true",
			containers.LabelDeploymentID: d.ID,
			containers.LabelBuildType:    "build",
		},
		Cmd:     []string{"sleep", "infinity"},
		Network: s.cfg.NetworkName,
	}
	containerID, err := s.containers.Create(ctx, spec, s.ports)
	if err != nil {
		return "", fmt.Errorf("deploy: create build container: %w", err)
	}
	defer func() {
		_ = s.containers.Destroy(ctx, containerID, false, "")
	}()

	onChunk := func(stream, chunk string) { onLog(chunk) }
	run := func(cmd []string) error {
		res, err := s.containers.Exec(ctx, containerID, cmd, onChunk)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("command %v exited %d: %s", cmd, res.ExitCode, res.Stderr)
		}
		return nil
	}

	if err := run([]string{"sh", "-c", "apt-get update && apt-get install -y git"}); err != nil {
		return "", fmt.Errorf("deploy: install git: %w", err)
	}

	branch := "main"
	if d.GithubBranch != nil && *d.GithubBranch != "" {
		branch = *d.GithubBranch
	}
	token, err := s.decryptField(d)
	if err != nil {
		return "", err
	}
	cloneURL := fmt.Sprintf("https://%s@github.com/%s.git", token, *d.GithubRepo)
	cloneCmd := fmt.Sprintf("git clone --depth 1 --branch %s %s /app/repo", shellQuote(branch), shellQuote(cloneURL))
	if err := run([]string{"sh", "-c", cloneCmd}); err != nil {
		return "", fmt.Errorf("deploy: clone repo: %w", err)
	}

	workingDir := "/app/repo"
	if d.GithubRootDir != nil && *d.GithubRootDir != "" {
		workingDir = "/app/repo/" + strings.TrimPrefix(*d.GithubRootDir, "/")
	}

	// installCommand and buildCommand are distinct steps upstream; this
	// domain persists a single buildCommand field, so callers fold an
	// install step in with && if they need one.
	if d.BuildCommand != "" {
		buildCmd := fmt.Sprintf("cd %s && %s", shellQuote(workingDir), d.BuildCommand)
		if err := run([]string{"sh", "-c", buildCmd}); err != nil {
			return "", fmt.Errorf("deploy: build command: %w", err)
		}
	}

	tag := buildImageTag(d.ID)
	if err := s.containers.CommitImage(ctx, containerID, tag); err != nil {
		return "", fmt.Errorf("deploy: commit image: %w", err)
	}
	return tag, nil
}

// decryptField recovers the GitHub clone token. Deployments don't
// carry a dedicated clone-token field; this domain folds it into the
// Env map under GITHUB_TOKEN, encrypted the same way the rest of Env
// is.
func (s *Service) decryptField(d *store.Deployment) (string, error) {
	if d.Env == nil {
		return "", nil
	}
	enc, ok := d.Env["GITHUB_TOKEN"]
	if !ok {
		return "", nil
	}
	if !secrets.IsEncrypted(enc) {
		return enc, nil
	}
	dec, err := secrets.DefaultEncryptor.Decrypt(enc)
	if err != nil {
		return "", fmt.Errorf("deploy: decrypt github token: %w", err)
	}
	return dec, nil
}

// startProduction runs the start phase: stop any prior production
// container, resolve routing, allocate a port if no domain applies,
// and create the new production container.
func (s *Service) startProduction(ctx context.Context, d *store.Deployment, imageTag string) error {
	if d.ContainerID != nil {
		if err := s.proxy.Detach(ctx, *d.ContainerID); err != nil {
			s.log.Warn(ctx, "detach prior deployment container from proxy", "deployment_id", d.ID, "error", err)
		}
		_ = s.containers.Destroy(ctx, *d.ContainerID, false, "")
	}

	route, err := s.resolveRoute(ctx, d)
	if err != nil {
		return err
	}

	var hostPort int
	exposedPorts := map[string]int{}
	containerPort := fmt.Sprintf("%d", d.InternalPort)
	if route.Domain == "" {
		hostPort, err = s.ports.AllocatePort(ctx)
		if err != nil {
			return fmt.Errorf("deploy: allocate host port: %w", err)
		}
		exposedPorts[containerPort] = hostPort
	} else {
		exposedPorts[containerPort] = 0
	}

	env, err := secrets.DecryptEnvMap(d.Env)
	if err != nil {
		s.releasePort(route, hostPort)
		return fmt.Errorf("deploy: decrypt env: %w", err)
	}
	env["PORT"] = fmt.Sprintf("%d", d.InternalPort)
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	image := imageTag
	if image == "" {
		// Workspace-based deployments run their startCommand in the
		// same base image the workspace container itself runs.
		image = s.containers.WorkspaceImage()
	}

	labels := map[string]string{
		containers.LabelManaged:      "true",
		containers.LabelDeploymentID: d.ID,
	}
	if route.Domain != "" {
		for k, v := range proxy.LabelsForHTTP(d.ID, route.Subdomain, route.Domain, d.InternalPort) {
			labels[k] = v
		}
	}

	workingDir := d.WorkingDir
	if workingDir == "" {
		workingDir = "/app/repo"
	}
	startCommand := d.StartCommand
	if startCommand == "" {
		startCommand = "true"
	}
	cmd := []string{"sh", "-c", fmt.Sprintf("cd %s && %s", shellQuote(workingDir), startCommand)}

	spec := containers.ManagedSpec{
		Name:         prodContainerName(d.ID),
		Image:        image,
		Labels:       labels,
		Env:          envList,
		Cmd:          cmd,
		ExposedPorts: exposedPorts,
		Network:      s.cfg.NetworkName,
	}
	containerID, err := s.containers.Create(ctx, spec, s.ports)
	if err != nil {
		s.releasePort(route, hostPort)
		return fmt.Errorf("deploy: create production container: %w", err)
	}

	if route.Domain != "" {
		if err := s.proxy.Attach(ctx, containerID); err != nil {
			return fmt.Errorf("deploy: attach production container to proxy network: %w", err)
		}
	}

	d.ContainerID = &containerID
	if route.Domain == "" {
		d.ExposedPort = &hostPort
	} else {
		d.ExposedPort = nil
	}
	return nil
}

func (s *Service) releasePort(route proxy.Route, port int) {
	if route.Domain == "" && port != 0 {
		s.ports.ReleasePort(port)
	}
}

func (s *Service) resolveRoute(ctx context.Context, d *store.Deployment) (proxy.Route, error) {
	if d.DomainID == nil {
		return proxy.ResolveDomain(nil, nil, false, d.ID, s.cfg.BaseDomain), nil
	}
	domain, err := s.store.FindDomainByID(ctx, *d.DomainID)
	if err != nil {
		return proxy.Route{}, fmt.Errorf("deploy: lookup domain %s: %w", *d.DomainID, err)
	}
	return proxy.ResolveDomain(&domain.Name, d.Subdomain, domain.Verified, d.ID, s.cfg.BaseDomain), nil
}

// Cancel stops an in-progress build. Best-effort: if the build
// container is already gone, the DB transition still happens.
func (s *Service) Cancel(ctx context.Context, deploymentID, buildID string) error {
	build, err := s.store.FindBuildByID(ctx, buildID)
	if err != nil {
		return err
	}
	if build.Status != enum.BuildStatusBuilding {
		return nil
	}

	_ = s.containers.Destroy(ctx, buildContainerName(deploymentID), false, "")

	logs := newLogBuffer(s.store, build.ID)
	logs.Append(ctx, "cancelled by user")
	if err := logs.Flush(ctx); err != nil {
		s.log.Warn(ctx, "flush cancellation log", "deployment_id", deploymentID, "error", err)
	}
	build.Status = enum.BuildStatusCancelled
	now := time.Now()
	build.CompletedAt = &now
	if err := s.store.UpdateBuild(ctx, build); err != nil {
		return err
	}

	d, err := s.store.FindDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	d.Status = enum.StatusStopped
	return s.store.UpdateDeployment(ctx, d)
}

// Stop detaches the deployment's container from the proxy network,
// stops and removes it, and clears ContainerID.
func (s *Service) Stop(ctx context.Context, deploymentID string) error {
	d, err := s.store.FindDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.ContainerID == nil {
		d.Status = enum.StatusStopped
		return s.store.UpdateDeployment(ctx, d)
	}
	if err := s.proxy.Detach(ctx, *d.ContainerID); err != nil {
		s.log.Warn(ctx, "detach deployment container from proxy", "deployment_id", deploymentID, "error", err)
	}
	if err := s.containers.Destroy(ctx, *d.ContainerID, false, ""); err != nil {
		d.Status = enum.StatusError
		_ = s.store.UpdateDeployment(ctx, d)
		return fmt.Errorf("deploy: stop container: %w", err)
	}
	if d.ExposedPort != nil {
		s.ports.ReleasePort(*d.ExposedPort)
		d.ExposedPort = nil
	}
	d.ContainerID = nil
	d.Status = enum.StatusStopped
	return s.store.UpdateDeployment(ctx, d)
}

// Delete stops the deployment (if running) and cascades its Build rows.
func (s *Service) Delete(ctx context.Context, deploymentID string) error {
	if err := s.Stop(ctx, deploymentID); err != nil {
		return err
	}
	if err := s.store.DeleteBuildsByDeployment(ctx, deploymentID); err != nil {
		return err
	}
	return s.store.DeleteDeployment(ctx, deploymentID)
}

// shellQuote wraps s in single quotes for embedding in a `sh -c`
// argument, escaping any single quotes it contains.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
