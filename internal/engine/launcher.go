// Package engine launches and tears down the browser engine a session drives.
// The production launcher runs one container per session; tests substitute a
// fake Launcher.
package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// Instance is one running browser engine.
type Instance struct {
	ID          string
	SessionID   string
	ConnectURL  string
	Port        string
	UserDataDir string
}

// LaunchOptions tunes a single engine launch.
type LaunchOptions struct {
	SessionID string
	// UserDataDir holds the browser profile; empty launches a fresh one
	UserDataDir string
}

// Launcher starts and stops browser engines.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (*Instance, error)
	Stop(ctx context.Context, instanceID string) error
	IsHealthy(ctx context.Context, instanceID string) bool
	Close() error
}

// DockerLauncher runs one engine container per session, exposing its devtools
// websocket on an ephemeral host port.
type DockerLauncher struct {
	client *client.Client
	image  string
	log    *zap.Logger
}

// NewDockerLauncher connects to the docker daemon from the environment.
func NewDockerLauncher(engineImage string, log *zap.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerLauncher{client: cli, image: engineImage, log: log}, nil
}

// EnsureImage pulls the engine image unless it is already present.
func (l *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == l.image {
				return nil
			}
		}
	}

	l.log.Info("pulling engine image", zap.String("image", l.image))
	reader, err := l.client.ImagePull(ctx, l.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull engine image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (l *DockerLauncher) Launch(ctx context.Context, opts LaunchOptions) (*Instance, error) {
	userDataDir := opts.UserDataDir
	if userDataDir == "" {
		userDataDir = filepath.Join(os.TempDir(), "browsertrace-engine", opts.SessionID)
		if err := os.MkdirAll(userDataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create user data directory: %w", err)
		}
	}

	containerConfig := &container.Config{
		Image: l.image,
		Labels: map[string]string{
			"session-id": opts.SessionID,
			"managed-by": "browsertrace",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: "0"},
			},
		},
		AutoRemove: false,
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: userDataDir,
				Target: "/data",
			},
		},
	}

	resp, err := l.client.ContainerCreate(
		ctx, containerConfig, hostConfig, nil, nil,
		fmt.Sprintf("session-%s", shortID(opts.SessionID)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.removeContainer(resp.ID)
		return nil, fmt.Errorf("failed to start engine container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		l.removeContainer(resp.ID)
		return nil, fmt.Errorf("failed to inspect engine container: %w", err)
	}
	port := inspect.NetworkSettings.Ports["3000/tcp"][0].HostPort

	if err := l.waitForReady(ctx, port); err != nil {
		l.removeContainer(resp.ID)
		return nil, fmt.Errorf("engine failed to become ready: %w", err)
	}

	l.log.Info("engine launched",
		zap.String("sessionId", opts.SessionID),
		zap.String("containerId", shortID(resp.ID)),
		zap.String("port", port))

	return &Instance{
		ID:          resp.ID,
		SessionID:   opts.SessionID,
		ConnectURL:  fmt.Sprintf("ws://localhost:%s", port),
		Port:        port,
		UserDataDir: userDataDir,
	}, nil
}

func (l *DockerLauncher) Stop(ctx context.Context, instanceID string) error {
	timeout := 10
	if err := l.client.ContainerStop(ctx, instanceID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop engine container: %w", err)
	}
	if err := l.client.ContainerRemove(ctx, instanceID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove engine container: %w", err)
	}
	return nil
}

// removeContainer is best-effort cleanup for a container that never became a
// usable instance.
func (l *DockerLauncher) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		l.log.Warn("failed to remove dead engine container",
			zap.String("containerId", shortID(id)), zap.Error(err))
	}
}

func (l *DockerLauncher) IsHealthy(ctx context.Context, instanceID string) bool {
	inspect, err := l.client.ContainerInspect(ctx, instanceID)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

// waitForReady polls the devtools /json/version endpoint until the engine
// answers.
func (l *DockerLauncher) waitForReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)
	maxRetries := 20

	for i := 0; i < maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				// the websocket endpoint lags the HTTP one slightly
				time.Sleep(500 * time.Millisecond)
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("engine did not become ready after %d retries", maxRetries)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
