package helpers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/darklight-media/darklight/internal/database"
	"github.com/docker/docker/api/types/container"
	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	SQLDialect   = "postgres"
	Host         = "0.0.0.0"
	User         = "postgres"
	Password     = "postgres"
	MasterDBName = "DARKLIGHT_DB"
	Port         = "5432"
)

var (
	ctx = context.Background()

	dbManager = newDatabaseManager(MasterDBName)
)

// databaseManager is an internal test helper which facilitates
// the templating of a single 'master' database in a shared postgresql
// docker instance. This allows tests to use individual databases without
// needing to create multiple instances of docker. This manager will:
//   - automatically spawn the container,
//   - migrate the database (using the application's own database manager),
//   - mark the master database as a template, and,
//   - facilitate provisioning of new databases based off that master database.
type databaseManager struct {
	*sync.Mutex
	masterDatabaseName string
	pgContainer        testcontainers.Container
	connection         *sql.DB
}

func newDatabaseManager(databaseName string) *databaseManager {
	return &databaseManager{
		Mutex:              &sync.Mutex{},
		masterDatabaseName: databaseName,
	}
}

// RequireDatabase provisions a fresh database (templated from the migrated
// master database) for the test, and returns the config needed to connect
// to it. Tests calling this are skipped in short mode.
func RequireDatabase(t *testing.T) database.DatabaseConfig {
	RequireDocker(t)
	name := strings.ToLower(strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	dbManager.provisionDB(t, name)
	return databaseConfig(name)
}

// RequireDocker skips the test when running in short mode, as every
// integration test depends on containers.
func RequireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}
}

func databaseConfig(name string) database.DatabaseConfig {
	return database.DatabaseConfig{
		User:           User,
		Password:       Password,
		Name:           name,
		Host:           Host,
		Port:           Port,
		SSLMode:        "disable",
		ConnectRetries: 5,
	}
}

func (manager *databaseManager) provisionDB(t *testing.T, databaseName string) {
	manager.Lock()
	defer manager.Unlock()

	if databaseName == MasterDBName {
		t.Fatalf("cannot provision database '%s' as this DB is the master database", databaseName)
		return
	}

	if manager.connection == nil {
		t.Log("Database provisioning request received but manager not started yet. Initializing database management...")
		manager.connect(t)
		manager.markMasterDB(t)
		t.Log("Database management initialised!")
	}

	_, err := manager.connection.Exec(fmt.Sprintf(`CREATE DATABASE "%s" TEMPLATE "%s"`, databaseName, manager.masterDatabaseName))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			t.Logf("Database '%s' already provisioned. Reusing database", databaseName)
			return
		}

		t.Fatalf("failed to create provision database '%s' based on template database '%s': (%T) %s", databaseName, manager.masterDatabaseName, err, err)
	}
}

func (manager *databaseManager) connect(t *testing.T) {
	if manager.pgContainer == nil {
		manager.spawnPostgres(t)
	}

	db, err := sql.Open(SQLDialect, databaseConfig("postgres").DSN())
	if err != nil {
		t.Fatalf("failed to open postgres connection: %s", err)
	}

	for attempt := 1; ; attempt++ {
		err := db.Ping()
		if err == nil {
			break
		}
		if attempt == 3 {
			t.Fatalf("all database connection attempts FAILED: %s", err)
		}

		t.Logf("DB connection attempt (%v/3) failed... Retrying in 3s", attempt)
		time.Sleep(3 * time.Second)
	}

	t.Log("Database connection established!")
	manager.connection = db
}

func (manager *databaseManager) markMasterDB(t *testing.T) {
	t.Log("Migrating master database...")
	db := database.New()
	if err := db.Connect(ctx, databaseConfig(manager.masterDatabaseName)); err != nil {
		t.Fatalf("failed to migrate master database (%s): %s", manager.masterDatabaseName, err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("failed to close connection to master database: %s", err)
	}

	t.Log("Master DB migrated, marking master database as template...")
	if _, err := manager.connection.Exec(fmt.Sprintf(`ALTER DATABASE "%s" WITH is_template TRUE`, manager.masterDatabaseName)); err != nil {
		t.Fatalf("failed to mark master database (%s) as template: %s", manager.masterDatabaseName, err)
	}
}

func (manager *databaseManager) spawnPostgres(t *testing.T) {
	postgresC, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
		postgres.WithDatabase(MasterDBName),
		postgres.WithUsername(User),
		postgres.WithPassword(Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithHostConfigModifier(func(hostConfig *container.HostConfig) { hostConfig.NetworkMode = "host" }),
	)
	if err != nil {
		t.Fatalf("failed to start container: %s", err)
		return
	}

	manager.pgContainer = postgresC
}
