// Package containers is the Container Lifecycle Manager. It covers
// the five classes this control plane runs: workspace, deployment,
// database, bucket, and the ephemeral build container class used by
// the Deployment Builder.
//
// Every class funnels through Create, the shared container-creation
// routine: remove any stale container of the same name, create with
// host config, start, and on a port-bind race retry with freshly
// allocated ports, up to three attempts in all. Create does not set up
// the network or pull the image; those are separate methods.
package containers

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"golang.org/x/sync/singleflight"

	"github.com/kalpana-labs/kalpana-controlplane/internal/logger"
)

const (
	// LabelManaged marks every container this control plane owns; it is
	// the same key internal/proxy sets on the network and edge router.
	LabelManaged = "kalpana.managed"

	LabelWorkspaceID  = "kalpana.workspace.id"
	LabelDeploymentID = "kalpana.deployment.id"
	LabelDatabaseID   = "kalpana.database.id"
	LabelBucketID     = "kalpana.bucket.id"
	LabelBuildType    = "kalpana.type"

	readinessTimeout = 2 * time.Minute
)

// portBindErrorSubstrings are the Docker error messages that indicate
// a racing process already bound the port this manager reserved.
var portBindErrorSubstrings = []string{
	"port is already allocated",
	"address already in use",
	"Bind for",
}

// PortAllocator is the subset of portalloc.Allocator the manager needs
// to retry a failed container start with fresh ports. Declared locally
// so this package does not import portalloc.
type PortAllocator interface {
	AllocatePortPair(ctx context.Context) (int, int, error)
	ReleasePort(port int)
}

// Manager drives one Docker endpoint for every managed container class.
type Manager struct {
	client         *client.Client
	buildGroup     singleflight.Group
	workspaceImage string
	buildContext   string // directory holding the bundled workspace Dockerfile
	log            *logger.Logger
}

// New returns a Manager. workspaceImage is the tag the bundled
// Dockerfile at buildContextDir is built to, e.g.
// "kalpana/workspace:latest".
func New(cli *client.Client, workspaceImage, buildContextDir string) *Manager {
	return &Manager{
		client:         cli,
		workspaceImage: workspaceImage,
		buildContext:   buildContextDir,
		log:            logger.Named("containers"),
	}
}

// WorkspaceImage returns the image tag workspace containers run.
func (m *Manager) WorkspaceImage() string { return m.workspaceImage }

// EnsureNetwork creates the shared bridge network if absent. Shared
// with internal/proxy's network name by convention (callers pass the
// same name to both).
func (m *Manager) EnsureNetwork(ctx context.Context, name string) error {
	networks, err := m.client.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return fmt.Errorf("containers: list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == name {
			return nil
		}
	}
	_, err = m.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		return fmt.Errorf("containers: create network %q: %w", name, err)
	}
	return nil
}

// EnsureWorkspaceImage builds the workspace image if it doesn't
// already exist. Concurrent callers coalesce onto one build via
// singleflight: image readiness is process-wide single-flight.
func (m *Manager) EnsureWorkspaceImage(ctx context.Context) error {
	_, err, _ := m.buildGroup.Do(m.workspaceImage, func() (interface{}, error) {
		_, _, inspectErr := m.client.ImageInspectWithRaw(ctx, m.workspaceImage)
		if inspectErr == nil {
			return nil, nil
		}
		return nil, m.buildWorkspaceImage(ctx)
	})
	return err
}

func (m *Manager) buildWorkspaceImage(ctx context.Context) error {
	tarball, err := tarDirectory(m.buildContext)
	if err != nil {
		return fmt.Errorf("containers: tar workspace build context: %w", err)
	}
	resp, err := m.client.ImageBuild(ctx, tarball, buildOptions(m.workspaceImage))
	if err != nil {
		return fmt.Errorf("containers: build workspace image: %w", err)
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// EnsureVolume creates a named Docker volume if it doesn't already
// exist, labelled with the owning resource id. Used for both exclusive
// per-workspace volumes and the shared Nix/extensions caches (callers
// pass the same shared name across workspaces for those).
func (m *Manager) EnsureVolume(ctx context.Context, name, resourceIDLabel string) error {
	if _, err := m.client.VolumeInspect(ctx, name); err == nil {
		return nil
	}
	labels := map[string]string{LabelManaged: "true"}
	if resourceIDLabel != "" {
		labels["kalpana.resource.id"] = resourceIDLabel
	}
	_, err := m.client.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels})
	if err != nil {
		return fmt.Errorf("containers: create volume %q: %w", name, err)
	}
	return nil
}

// InspectHostPorts returns the host ports currently bound by a specific
// container, keyed by container port (e.g. "8080/tcp"). Used to verify
// that recorded ports equal live bindings.
func (m *Manager) InspectHostPorts(ctx context.Context, containerID string) (map[string]int, error) {
	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("containers: inspect %s: %w", containerID, err)
	}
	out := map[string]int{}
	if inspect.NetworkSettings == nil {
		return out, nil
	}
	for containerPort, bindings := range inspect.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		var hostPort int
		fmt.Sscanf(bindings[0].HostPort, "%d", &hostPort)
		out[string(containerPort)] = hostPort
	}
	return out, nil
}

// EnsureImage pulls a third-party image on demand (storage, database,
// edge-runtime images) unless it's already present locally.
func (m *Manager) EnsureImage(ctx context.Context, imageRef string) error {
	_, err, _ := m.buildGroup.Do("pull:"+imageRef, func() (interface{}, error) {
		_, _, inspectErr := m.client.ImageInspectWithRaw(ctx, imageRef)
		if inspectErr == nil {
			return nil, nil
		}
		out, pullErr := m.client.ImagePull(ctx, imageRef, image.PullOptions{})
		if pullErr != nil {
			return nil, pullErr
		}
		defer out.Close()
		_, copyErr := io.Copy(io.Discard, out)
		return nil, copyErr
	})
	return err
}

// ManagedSpec describes a container any of the five classes create.
// The class-specific constructors below build one of these and funnel
// it through Create.
type ManagedSpec struct {
	Name         string
	Image        string
	Labels       map[string]string
	Env          []string
	Cmd          []string
	ExposedPorts map[string]int // containerPort -> hostPort; 0 entries get no binding
	Binds        []mount.Mount
	Network      string
	MemoryBytes  int64
	NanoCPUs     int64
}

// Create runs the shared container-creation sequence: remove any stale
// container with spec.Name, create, and start — retrying with a fresh
// port pair (up to three attempts) if Docker reports the allocated host
// ports raced with another bind. Every class-specific constructor
// (workspace, deployment, database, bucket, build) funnels through this.
func (m *Manager) Create(ctx context.Context, spec ManagedSpec, ports PortAllocator) (string, error) {
	if err := m.removeStale(ctx, spec.Name); err != nil {
		return "", err
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		containerID, err := m.createOnce(ctx, spec)
		if err == nil {
			return containerID, nil
		}
		lastErr = err
		if !isPortBindError(err) || ports == nil {
			return "", err
		}
		m.log.Warn(ctx, "container port bind race, retrying with fresh ports", "name", spec.Name, "attempt", attempt)
		if err := m.reassignPorts(ctx, &spec, ports); err != nil {
			return "", fmt.Errorf("containers: reassign ports after bind race: %w", err)
		}
	}
	return "", fmt.Errorf("containers: create %q: exhausted %d attempts: %w", spec.Name, maxAttempts, lastErr)
}

func (m *Manager) reassignPorts(ctx context.Context, spec *ManagedSpec, ports PortAllocator) error {
	for _, hostPort := range spec.ExposedPorts {
		if hostPort == 0 {
			continue
		}
		ports.ReleasePort(hostPort)
	}
	a, b, err := ports.AllocatePortPair(ctx)
	if err != nil {
		return err
	}
	i := 0
	for containerPort := range spec.ExposedPorts {
		if i == 0 {
			spec.ExposedPorts[containerPort] = a
		} else {
			spec.ExposedPorts[containerPort] = b
		}
		i++
	}
	return nil
}

func (m *Manager) createOnce(ctx context.Context, spec ManagedSpec) (string, error) {
	portBindings := nat.PortMap{}
	exposed := nat.PortSet{}
	for containerPort, hostPort := range spec.ExposedPorts {
		p := nat.Port(containerPort + "/tcp")
		exposed[p] = struct{}{}
		if hostPort != 0 {
			portBindings[p] = []nat.PortBinding{{HostPort: fmt.Sprintf("%d", hostPort)}}
		}
	}

	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	resp, err := m.client.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			Cmd:          spec.Cmd,
			Labels:       labels,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			Mounts:        spec.Binds,
			PortBindings:  portBindings,
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
			Resources: container.Resources{
				Memory:   spec.MemoryBytes,
				NanoCPUs: spec.NanoCPUs,
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		},
		nil, spec.Name)
	if err != nil {
		return "", err
	}

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_, _ = m.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", err
	}
	return resp.ID, nil
}

func (m *Manager) removeStale(ctx context.Context, name string) error {
	_, err := m.client.ContainerInspect(ctx, name)
	if err != nil {
		return nil // no stale container
	}
	return m.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
}

func isPortBindError(err error) bool {
	msg := err.Error()
	for _, substr := range portBindErrorSubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// --- Common operations ---

func (m *Manager) Start(ctx context.Context, containerID string) error {
	return m.client.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (m *Manager) Stop(ctx context.Context, containerID string) error {
	timeout := 30
	return m.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (m *Manager) Restart(ctx context.Context, containerID string) error {
	timeout := 30
	return m.client.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

// Destroy force-stops and force-removes the container. removeVolume
// is the caller's explicit, irreversible opt-in to also delete
// volumeName.
func (m *Manager) Destroy(ctx context.Context, containerID string, removeVolume bool, volumeName string) error {
	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("containers: remove %s: %w", containerID, err)
	}
	if removeVolume && volumeName != "" {
		if err := m.client.VolumeRemove(ctx, volumeName, true); err != nil {
			return fmt.Errorf("containers: remove volume %s: %w", volumeName, err)
		}
	}
	return nil
}

// CommitImage snapshots containerID's filesystem as a new image tagged
// ref, used by the deployment builder to freeze a finished build
// container into a runnable production image.
func (m *Manager) CommitImage(ctx context.Context, containerID, ref string) error {
	_, err := m.client.ContainerCommit(ctx, containerID, container.CommitOptions{Reference: ref})
	if err != nil {
		return fmt.Errorf("containers: commit %s as %s: %w", containerID, ref, err)
	}
	return nil
}

// RemoveImage deletes a local image tag. Best-effort: callers use it
// to reclaim space after a production container starts from ref and
// should not fail the deployment if it errors.
func (m *Manager) RemoveImage(ctx context.Context, ref string) error {
	_, err := m.client.ImageRemove(ctx, ref, image.RemoveOptions{Force: true})
	return err
}

// Logs returns a reader over the container's combined stdout/stderr,
// Docker's multiplexed framing intact — callers needing separated
// streams should use StreamLogs.
func (m *Manager) Logs(ctx context.Context, containerID string, tail int, follow bool) (io.ReadCloser, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: follow}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}
	return m.client.ContainerLogs(ctx, containerID, opts)
}

// StreamLogs follows the container's logs, demultiplexing Docker's
// 8-byte stream framing and invoking onLine once per output line.
func (m *Manager) StreamLogs(ctx context.Context, containerID string, tail int, onLine func(stream string, line string)) error {
	reader, err := m.Logs(ctx, containerID, tail, true)
	if err != nil {
		return err
	}
	defer reader.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, reader)
		stdoutW.Close()
		stderrW.Close()
		done <- copyErr
	}()

	go scanLines(stdoutR, func(line string) { onLine("stdout", line) })
	go scanLines(stderrR, func(line string) { onLine("stderr", line) })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func scanLines(r io.Reader, onLine func(string)) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				onLine(string(buf[:idx]))
				buf = buf[idx+1:]
			}
		}
		if err != nil {
			if len(buf) > 0 {
				onLine(string(buf))
			}
			return
		}
	}
}

// ExecResult is the outcome of a single Exec call.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs cmd inside containerID, demultiplexing stdout/stderr and
// optionally invoking onChunk once per output chunk as it arrives.
func (m *Manager) Exec(ctx context.Context, containerID string, cmd []string, onChunk func(stream, chunk string)) (*ExecResult, error) {
	created, err := m.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("containers: exec create: %w", err)
	}

	attached, err := m.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("containers: exec attach: %w", err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	var stdoutW, stderrW io.Writer = &stdout, &stderr
	if onChunk != nil {
		stdoutW = io.MultiWriter(&stdout, chunkWriter{stream: "stdout", onChunk: onChunk})
		stderrW = io.MultiWriter(&stderr, chunkWriter{stream: "stderr", onChunk: onChunk})
	}
	if _, err := stdcopy.StdCopy(stdoutW, stderrW, attached.Reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("containers: demux exec stream: %w", err)
	}

	inspect, err := m.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("containers: exec inspect: %w", err)
	}

	return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}

type chunkWriter struct {
	stream  string
	onChunk func(stream, chunk string)
}

func (w chunkWriter) Write(p []byte) (int, error) {
	w.onChunk(w.stream, string(p))
	return len(p), nil
}

func (m *Manager) Stats(ctx context.Context, containerID string) (*container.StatsResponse, error) {
	resp, err := m.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("containers: stats: %w", err)
	}
	defer resp.Body.Close()
	var stats container.StatsResponse
	if err := decodeJSON(resp.Body, &stats); err != nil {
		return nil, fmt.Errorf("containers: decode stats: %w", err)
	}
	return &stats, nil
}

// decodeJSON reads and decodes a single JSON value from r into v.
func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

func (m *Manager) IsHealthy(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	if inspect.State == nil {
		return false, nil
	}
	if inspect.State.Health != nil {
		return inspect.State.Health.Status == "healthy", nil
	}
	return inspect.State.Running, nil
}

// HostPortBindings implements portalloc.ContainerLister: it reports
// every host port currently bound by a Docker container, regardless
// of managed status, so the allocator's check 2 catches ports taken
// by containers this control plane doesn't own.
func (m *Manager) HostPortBindings(ctx context.Context) (map[int]struct{}, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("containers: list for port scan: %w", err)
	}
	bound := make(map[int]struct{})
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				bound[int(p.PublicPort)] = struct{}{}
			}
		}
	}
	return bound, nil
}

// --- helpers ---

func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	defer tw.Close()
	if err := addDirToTar(tw, dir, ""); err != nil {
		return nil, err
	}
	return &buf, nil
}

// addDirToTar recursively walks dir, writing each entry into tw with
// its name rooted at prefix (the empty string for the top-level call).
func addDirToTar(tw *tar.Writer, dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("containers: read dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		fullPath := filepath.Join(dir, entry.Name())
		tarName := entry.Name()
		if prefix != "" {
			tarName = prefix + "/" + entry.Name()
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("containers: stat %s: %w", fullPath, err)
		}

		if entry.IsDir() {
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return fmt.Errorf("containers: tar header for %s: %w", fullPath, err)
			}
			header.Name = tarName + "/"
			if err := tw.WriteHeader(header); err != nil {
				return fmt.Errorf("containers: write tar header for %s: %w", fullPath, err)
			}
			if err := addDirToTar(tw, fullPath, tarName); err != nil {
				return err
			}
			continue
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("containers: tar header for %s: %w", fullPath, err)
		}
		header.Name = tarName
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("containers: write tar header for %s: %w", fullPath, err)
		}

		// #nosec G304 -- fullPath is built from a ReadDir walk of the
		// control plane's own bundled build context, not user input.
		f, err := os.Open(fullPath)
		if err != nil {
			return fmt.Errorf("containers: open %s: %w", fullPath, err)
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("containers: copy %s into tar: %w", fullPath, err)
		}
	}
	return nil
}

func buildOptions(tag string) image.BuildOptions {
	return image.BuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	}
}
