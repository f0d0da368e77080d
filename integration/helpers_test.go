//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	orascontent "oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/meigma/srcset/blobid"
)

// --- Container Setup ---

type sharedContainer struct {
	once sync.Once
	addr string
	err  error
}

var (
	registry sharedContainer
	redis    sharedContainer
)

// get returns the shared container address, starting it if needed.
// Containers are shared across all tests for performance.
func (c *sharedContainer) get(tb testing.TB, start func(context.Context) (string, error)) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	c.once.Do(func() {
		c.addr, c.err = start(context.Background())
	})
	if c.err != nil {
		tb.Fatalf("start container: %v", c.err)
	}
	return c.addr
}

func getRegistry(tb testing.TB) string {
	tb.Helper()
	return registry.get(tb, startRegistryContainer)
}

func getRedis(tb testing.TB) string {
	tb.Helper()
	return redis.get(tb, startRedisContainer)
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	return startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}, "5000/tcp")
}

// startRedisContainer starts a redis:7 container and returns the host:port address.
func startRedisContainer(ctx context.Context) (string, error) {
	return startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, "6379/tcp")
}

func startContainer(ctx context.Context, req testcontainers.ContainerRequest, port string) (string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start %s container: %w", req.Image, err)
	}

	// Container cleanup is handled by the testcontainers Reaper.

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve %s host: %w", req.Image, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", fmt.Errorf("resolve %s port: %w", req.Image, err)
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Registry Helpers ---

// testRepo generates a unique repository reference for a test.
func testRepo(registryAddr, testName string) string {
	return fmt.Sprintf("%s/test/%s", registryAddr, testName)
}

// pushBlob uploads data as a blob to the repository and returns its ID.
func pushBlob(tb testing.TB, ref string, data []byte) blobid.ID {
	tb.Helper()

	repo, err := remote.NewRepository(ref)
	require.NoError(tb, err)
	repo.PlainHTTP = true

	desc := orascontent.NewDescriptorFromBytes(ocispec.MediaTypeImageLayer, data)
	require.NoError(tb, repo.Push(context.Background(), desc, bytes.NewReader(data)), "push blob")

	id, err := blobid.FromDigest(desc.Digest)
	require.NoError(tb, err)
	return id
}
