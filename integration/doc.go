//go:build integration

// Package integration provides integration tests for srcset.
//
// These tests require Docker. They start a real OCI registry and a redis
// server using testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
