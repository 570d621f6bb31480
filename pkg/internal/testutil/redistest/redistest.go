/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package redistest starts a throwaway Redis container for integration tests.
package redistest

import (
	"context"
	"fmt"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/redis/go-redis/v9"
)

const (
	repository = "redis"
	tag        = "7-alpine"
)

// Server is a running Redis container.
type Server struct {
	Addr     string
	pool     *dockertest.Pool
	resource *dockertest.Resource
}

// Start runs a Redis container and waits until it answers PING.
// It returns an error when Docker is not available.
func Start() (*Server, error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}

	if err = pool.Client.Ping(); err != nil {
		return nil, fmt.Errorf("docker is not available: %w", err)
	}

	resource, err := pool.Run(repository, tag, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start redis: %w", err)
	}

	server := &Server{Addr: "localhost:" + resource.GetPort("6379/tcp"), pool: pool, resource: resource}

	err = pool.Retry(func() error {
		client := redis.NewClient(&redis.Options{Addr: server.Addr})
		defer client.Close() //nolint:errcheck

		return client.Ping(context.Background()).Err()
	})
	if err != nil {
		server.Stop()

		return nil, fmt.Errorf("redis did not become ready: %w", err)
	}

	return server, nil
}

// Stop removes the container.
func (s *Server) Stop() {
	if s == nil {
		return
	}

	_ = s.pool.Purge(s.resource) //nolint:errcheck
}

// Client returns a client for the server, or skips the test when no server is running.
func Client(t *testing.T, s *Server) *redis.Client {
	t.Helper()

	if s == nil {
		t.Skip("docker is not available, skipping redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})

	t.Cleanup(func() {
		client.FlushAll(context.Background())
		client.Close() //nolint:errcheck
	})

	return client
}
