package browser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const managedByLabel = "eus-proxy"

// ContainerSpec describes a container to start
type ContainerSpec struct {
	Image   string
	Name    string
	Ports   map[int]int // container port -> host port
	Volumes []string
	Binds   []string
	Env     []string
	ShmSize int64
	Network string
	Labels  map[string]string
}

// PoolOptions configures the Docker-backed pool
type PoolOptions struct {
	ServerIP     string
	WaitRetries  int
	WaitInterval time.Duration
}

// Pool starts and stops browser and sidecar containers through the Docker API
type Pool struct {
	client *client.Client
	prober *retryablehttp.Client
	opts   PoolOptions
	logger *zap.Logger

	ipMu     sync.Mutex
	serverIP string
}

func NewPool(opts PoolOptions, logger *zap.Logger) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Pool{
		client:   cli,
		prober:   newProber(opts),
		opts:     opts,
		logger:   logger.Named("docker"),
		serverIP: opts.ServerIP,
	}, nil
}

func newProber(opts PoolOptions) *retryablehttp.Client {
	prober := retryablehttp.NewClient()
	prober.RetryMax = opts.WaitRetries
	prober.RetryWaitMin = opts.WaitInterval
	prober.RetryWaitMax = opts.WaitInterval
	prober.HTTPClient.Timeout = 5 * time.Second
	prober.Logger = nil
	// Any HTTP answer means the port is reachable
	prober.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	return prober
}

// StartAndWait creates and starts a container and blocks until it is running
func (p *Pool) StartAndWait(ctx context.Context, spec ContainerSpec) error {
	if err := p.EnsureImage(ctx, spec.Image); err != nil {
		return err
	}

	cfg, hostCfg, err := containerConfig(spec)
	if err != nil {
		return err
	}

	p.logger.Debug("Starting container", zap.String("container", spec.Name), zap.String("image", spec.Image))
	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	return p.waitRunning(ctx, resp.ID, spec.Name)
}

func (p *Pool) waitRunning(ctx context.Context, id, name string) error {
	for i := 0; i <= p.opts.WaitRetries; i++ {
		inspect, err := p.client.ContainerInspect(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to inspect container %s: %w", name, err)
		}
		if inspect.State != nil && inspect.State.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.WaitInterval):
		}
	}
	return fmt.Errorf("container %s did not start after %d checks", name, p.opts.WaitRetries)
}

func containerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %d: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}
	}

	labels := map[string]string{"managed-by": managedByLabel}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	var volumes map[string]struct{}
	if len(spec.Volumes) > 0 {
		volumes = make(map[string]struct{}, len(spec.Volumes))
		for _, v := range spec.Volumes {
			volumes[v] = struct{}{}
		}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: exposed,
		Labels:       labels,
		Volumes:      volumes,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Binds:        spec.Binds,
		ShmSize:      spec.ShmSize,
		AutoRemove:   false,
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}
	return cfg, hostCfg, nil
}

// Stop stops and removes a container; a missing container is not an error
func (p *Pool) Stop(ctx context.Context, name string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		p.logger.Warn("Failed to stop container, forcing removal", zap.String("container", name), zap.Error(err))
	}

	if err := p.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// AllocateFreePort asks the kernel for an unused TCP port
func (p *Pool) AllocateFreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// ServerIP is the address at which bound container ports are reachable.
// Inside a container that is the bridge gateway, otherwise localhost.
func (p *Pool) ServerIP(ctx context.Context) (string, error) {
	p.ipMu.Lock()
	defer p.ipMu.Unlock()

	if p.serverIP != "" {
		return p.serverIP, nil
	}

	if _, err := os.Stat("/.dockerenv"); err != nil {
		p.serverIP = "localhost"
		return p.serverIP, nil
	}

	bridge, err := p.client.NetworkInspect(ctx, "bridge", network.InspectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to inspect bridge network: %w", err)
	}
	for _, c := range bridge.IPAM.Config {
		if c.Gateway != "" {
			p.serverIP = c.Gateway
			return p.serverIP, nil
		}
	}
	return "", fmt.Errorf("bridge network has no gateway")
}

// WaitReachable polls url until it answers any HTTP response
func (p *Pool) WaitReachable(ctx context.Context, url string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.prober.Do(req)
	if err != nil {
		return fmt.Errorf("%s is not reachable: %w", url, err)
	}
	resp.Body.Close()
	return nil
}

// Exec runs cmd inside a running container and fails on a non-zero exit code
func (p *Pool) Exec(ctx context.Context, name string, cmd []string) error {
	created, err := p.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create exec in %s: %w", name, err)
	}

	attach, err := p.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach exec in %s: %w", name, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return fmt.Errorf("failed to read exec output in %s: %w", name, err)
	}

	inspect, err := p.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect exec in %s: %w", name, err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("%v exited with %d in %s: %s", cmd, inspect.ExitCode, name, stderr.String())
	}
	return nil
}

// CopyFrom streams a tar archive of path from a container
func (p *Pool) CopyFrom(ctx context.Context, name, path string) (io.ReadCloser, error) {
	rc, _, err := p.client.CopyFromContainer(ctx, name, path)
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s from %s: %w", path, name, err)
	}
	return rc, nil
}

// EnsureImage pulls ref unless it is already present locally
func (p *Pool) EnsureImage(ctx context.Context, ref string) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == ref {
				return nil
			}
		}
	}

	p.logger.Info("Pulling image", zap.String("image", ref))
	reader, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Pool) Close() error {
	return p.client.Close()
}
