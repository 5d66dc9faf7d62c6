package testhelper

import (
	"os"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

type RetryFunc func(res *dockertest.Resource) error

func IsIntegration() bool {
	return os.Getenv("TEST_INTEGRATION") == "true"
}

// SkipUnlessIntegration skips t unless TEST_INTEGRATION=true.
func SkipUnlessIntegration(t testing.TB) {
	t.Helper()
	if !IsIntegration() {
		t.Skip("set TEST_INTEGRATION=true to run against docker")
	}
}

func StartDockerPool(t testing.TB) *dockertest.Pool {
	t.Helper()

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("could not construct pool: %v", err)
	}

	// uses pool to try to connect to Docker
	if err := pool.Client.Ping(); err != nil {
		t.Fatalf("could not connect to docker: %v", err)
	}
	return pool
}

// StartDockerInstance runs image:tag, waits until retryFunc succeeds and
// purges the container when the test ends.
func StartDockerInstance(t testing.TB, pool *dockertest.Pool, image, tag string, retryFunc RetryFunc, env ...string) *dockertest.Resource {
	t.Helper()

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: image,
		Tag:        tag,
		Env:        env,
	}, func(config *docker.HostConfig) {
		// stopped containers go away by themselves
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{
			Name: "no",
		}
	})
	if err != nil {
		t.Fatalf("could not start %s:%s: %v", image, tag, err)
	}
	t.Cleanup(func() {
		if err := pool.Purge(resource); err != nil {
			t.Logf("could not purge %s: %v", image, err)
		}
	})

	if err := resource.Expire(120); err != nil {
		t.Fatalf("couldn't set the resource expiration: %v", err)
	}

	if err := pool.Retry(func() error {
		return retryFunc(resource)
	}); err != nil {
		t.Fatalf("couldn't connect to %s: %v", image, err)
	}
	return resource
}
