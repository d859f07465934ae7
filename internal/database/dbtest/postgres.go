//go:build integration

// Package dbtest spawns a disposable Postgres container for integration
// tests. Each call to NewDatabase provisions a fresh, fully migrated
// database inside a single shared container.
package dbtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipvault/ingest/internal/database"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/gommon/random"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	User         = "postgres"
	Password     = "postgres"
	MasterDBName = "INGEST_DB"
)

var (
	ctx = context.Background()

	containerOnce sync.Once
	container     *postgres.PostgresContainer
	containerErr  error
)

func spawnPostgres() (*postgres.PostgresContainer, error) {
	containerOnce.Do(func() {
		container, containerErr = postgres.RunContainer(ctx,
			testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
			postgres.WithDatabase(MasterDBName),
			postgres.WithUsername(User),
			postgres.WithPassword(Password),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
	})

	return container, containerErr
}

// NewDatabase creates a new database with a random name, runs all
// migrations against it and returns an open connection. The connection
// is closed when the test completes.
func NewDatabase(t *testing.T) *sqlx.DB {
	pg, err := spawnPostgres()
	if err != nil {
		t.Fatalf("failed to start postgres container: %s", err)
	}

	master, err := connect(pg, MasterDBName)
	if err != nil {
		t.Fatalf("failed to connect to master database: %s", err)
	}
	defer master.Close()

	name := "test_" + strings.ToLower(random.String(16, random.Lowercase))
	if _, err := master.Exec(fmt.Sprintf(`CREATE DATABASE "%s"`, name)); err != nil {
		t.Fatalf("failed to provision database '%s': %s", name, err)
	}

	db, err := connect(pg, name)
	if err != nil {
		t.Fatalf("failed to connect to provisioned database '%s': %s", name, err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.Migrate(db.DB); err != nil {
		t.Fatalf("failed to migrate database '%s': %s", name, err)
	}

	return db
}

func connect(pg *postgres.PostgresContainer, name string) (*sqlx.DB, error) {
	host, err := pg.Host(ctx)
	if err != nil {
		return nil, err
	}

	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, err
	}

	config := database.Config{User: User, Password: Password, Name: name, Host: host, Port: port.Port()}
	return sqlx.Connect(database.SqlDialect, config.DSN())
}
