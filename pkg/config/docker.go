package config

import (
	"fmt"
	"os"
	"sync"
)

var (
	inContainerOnce   sync.Once
	inContainerResult bool
)

// InContainer reports whether the process runs inside a Docker container,
// based on the presence of /.dockerenv. The result is cached.
func InContainer() bool {
	inContainerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		inContainerResult = err == nil
	})
	return inContainerResult
}

// stateHost maps a loopback state database host to host.docker.internal
// when running in a container, so a Postgres on the host stays reachable.
func stateHost(host string, inContainer bool) string {
	if inContainer && (host == "localhost" || host == "127.0.0.1") {
		return "host.docker.internal"
	}
	return host
}

// ConnectionString returns a PostgreSQL connection string for the state store.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		stateHost(c.Host, InContainer()), c.Port, c.User, c.Password, c.Database, c.SSLMode, c.MaxConnections,
	)
}

// PostgresDSN returns the explicit DSN if set, otherwise the connection
// string assembled from the postgres settings.
func (s *StateConfig) PostgresDSN() string {
	if s.DSN != "" {
		return s.DSN
	}
	return s.Postgres.ConnectionString()
}
