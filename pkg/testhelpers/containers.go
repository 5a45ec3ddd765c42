// Package testhelpers provides shared fixtures for integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresImage is the image used for the postgres state backend tests.
const PostgresImage = "postgres:16-alpine"

// StateDB holds a shared PostgreSQL container for state store tests.
type StateDB struct {
	Container testcontainers.Container
	ConnStr   string
}

var (
	sharedStateDB     *StateDB
	sharedStateDBOnce sync.Once
	sharedStateDBErr  error
)

// GetStateDB returns a shared PostgreSQL container for integration tests.
// The container is created once and reused across all tests in the run;
// tests isolate themselves with distinct stream names or fresh databases
// from CreateDatabase.
func GetStateDB(t *testing.T) *StateDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedStateDBOnce.Do(func() {
		sharedStateDB, sharedStateDBErr = setupStateDB()
	})

	if sharedStateDBErr != nil {
		t.Fatalf("Failed to setup state database: %v", sharedStateDBErr)
	}

	return sharedStateDB
}

func setupStateDB() (*StateDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "tap_state",
			"POSTGRES_USER":     "tap",
			"POSTGRES_PASSWORD": "test_password",
		},
		// The entrypoint restarts the server once after init.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://tap:test_password@%s:%s/tap_state?sslmode=disable",
		host, port.Port())

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	// Verify connection with retry
	for i := 0; i < 10; i++ {
		if err = pool.Ping(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("state database not reachable: %w", err)
	}

	return &StateDB{
		Container: container,
		ConnStr:   connStr,
	}, nil
}

// CreateDatabase creates an empty database on the shared server and
// returns its DSN, so each test starts without migrations applied.
func (s *StateDB) CreateDatabase(t *testing.T, name string) string {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, s.ConnStr)
	if err != nil {
		t.Fatalf("failed to connect to state database: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %q`, name)); err != nil {
		t.Fatalf("failed to create database %s: %v", name, err)
	}

	host, err := s.Container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := s.Container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}
	return fmt.Sprintf("postgres://tap:test_password@%s:%s/%s?sslmode=disable", host, port.Port(), name)
}
