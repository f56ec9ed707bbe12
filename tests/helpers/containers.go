package helpers

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/darklight-media/darklight/internal/event"
	"github.com/darklight-media/darklight/internal/storage"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	natsPort  = nat.Port("4222/tcp")
	minioPort = nat.Port("9000/tcp")

	minioUser     = "darklight"
	minioPassword = "darklight-secret"
)

// sharedContainer lazily starts a single container which is then shared
// by every test in the package. Containers are reaped by testcontainers
// once the test binary exits.
type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

func (shared *sharedContainer) endpointFor(t *testing.T, req testcontainers.ContainerRequest, port nat.Port, scheme string) string {
	RequireDocker(t)
	shared.once.Do(func() {
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
		if err != nil {
			shared.err = fmt.Errorf("could not start %s: %w", req.Image, err)
			return
		}

		host, err := c.Host(ctx)
		if err != nil {
			shared.err = err
			return
		}
		mapped, err := c.MappedPort(ctx, port)
		if err != nil {
			shared.err = err
			return
		}

		shared.endpoint = fmt.Sprintf("%s://%s:%s", scheme, host, mapped.Port())
	})

	if shared.err != nil {
		t.Fatalf("failed to start shared container: %s", shared.err)
	}
	return shared.endpoint
}

var (
	natsContainer  = &sharedContainer{}
	minioContainer = &sharedContainer{}
)

// RequireNats returns the config for a bus connected to a NATS
// server shared across the package's tests.
func RequireNats(t *testing.T) event.Config {
	url := natsContainer.endpointFor(t, testcontainers.ContainerRequest{
		Image:        "docker.io/nats:2.10-alpine",
		ExposedPorts: []string{string(natsPort)},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	}, natsPort, "nats")

	return event.Config{
		Driver:        event.DriverNats,
		URL:           url,
		ClientName:    t.Name(),
		ReconnectWait: 100 * time.Millisecond,
	}
}

// RequireObjectStorage returns the config for a bucket (named after the
// test) in a MinIO server shared across the package's tests.
func RequireObjectStorage(t *testing.T) storage.Config {
	endpoint := minioContainer.endpointFor(t, testcontainers.ContainerRequest{
		Image:        "docker.io/minio/minio:latest",
		ExposedPorts: []string{string(minioPort)},
		Env: map[string]string{
			"MINIO_ROOT_USER":     minioUser,
			"MINIO_ROOT_PASSWORD": minioPassword,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort(minioPort).WithStartupTimeout(30 * time.Second),
	}, minioPort, "http")

	return storage.Config{
		Endpoint:        endpoint,
		Region:          "us-east-1",
		Bucket:          bucketName(t),
		AccessKeyID:     minioUser,
		SecretAccessKey: minioPassword,
		UsePathStyle:    true,
		MaxRetries:      3,
		Timeout:         time.Minute,
	}
}
