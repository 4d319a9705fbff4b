package testutil

import (
	"context"
	"net"
	"os"
	"testing"

	testcontainers "github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisAddr returns host:port of a Redis server for integration tests.
// REDIS_TEST_ADDR, when set, is used as is. Otherwise a container is started
// and terminated on test cleanup; the test is skipped without Docker.
func RedisAddr(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("REDIS_TEST_ADDR"); addr != "" {
		return addr
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := rediscontainer.Run(ctx, "redis:7.2-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redistest: container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redistest: mapped port: %v", err)
	}
	return net.JoinHostPort(host, port.Port())
}
