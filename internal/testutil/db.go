package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/False-Maker/test-genius-sub004/internal/config"
	"github.com/False-Maker/test-genius-sub004/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationEnv gates the container-backed tests.
const IntegrationEnv = "GENIUS_INTEGRATION"

// Credentials used when the loaded config names no database user.
const (
	defaultUser     = "genius"
	defaultPassword = "genius"
)

// TestDB is a migrated PostgreSQL container and a handle on it.
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

// SetupTestDB starts a PostgreSQL container configured from config.Load,
// applies the migrations found at migrationsURL (e.g.
// "file://../../migrations") and returns a connected DB. It skips the test
// unless GENIUS_INTEGRATION=1.
func SetupTestDB(t *testing.T, migrationsURL string) *TestDB {
	t.Helper()
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run tests against a PostgreSQL container", IntegrationEnv)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DB.Username == "" {
		cfg.DB.Username, cfg.DB.Password = defaultUser, defaultPassword
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     cfg.DB.Username,
				"POSTGRES_PASSWORD": cfg.DB.Password,
				"POSTGRES_DB":       cfg.DB.Name,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	td := &TestDB{container: container}
	fail := func(format string, args ...interface{}) {
		t.Helper()
		td.Teardown(t)
		t.Fatalf(format, args...)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fail("Failed to resolve container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fail("Failed to resolve container port: %v", err)
	}
	cfg.DB.DSN = ""
	cfg.DB.Host = host
	cfg.DB.Port = port.Int()
	cfg.DB.SSLMode = "disable"
	td.ConnStr = cfg.DatabaseURL()

	if err := storage.Migrate(migrationsURL, td.ConnStr, false); err != nil {
		fail("Failed to migrate test DB: %v", err)
	}
	if td.DB, err = sqlx.Connect("postgres", td.ConnStr); err != nil {
		fail("Failed to connect to test DB: %v", err)
	}
	return td
}

// Teardown closes the handle and removes the container.
func (td *TestDB) Teardown(t *testing.T) {
	if td.DB != nil {
		if err := td.DB.Close(); err != nil {
			t.Errorf("Failed to close DB connection: %v", err)
		}
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Errorf("Failed to terminate container: %v", err)
	}
}
