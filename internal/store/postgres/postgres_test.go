package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/botkeepr/botkeepr/internal/store"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgresContainer starts a PostgreSQL container for tests
// and returns a DSN suitable for pgx stdlib. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil // ensure container is never used below
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}

	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	// Try to ping until timeout; helps when container reports ready but DB not yet accepting connections
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresRunLifecycle(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	waitForPostgres(t, dsn)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	started := time.Now().UTC()
	rec := store.Record{Name: "trader", PID: 4321, State: "starting", StartedAt: started}
	if err := db.RecordStart(ctx, rec); err != nil {
		t.Fatalf("record start: %v", err)
	}

	running, err := db.GetRunning(ctx, "trader")
	if err != nil {
		t.Fatalf("get running: %v", err)
	}
	if len(running) != 1 || running[0].PID != 4321 {
		t.Fatalf("unexpected running rows: %+v", running)
	}

	rec.State = "running"
	if err := db.UpsertStatus(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := db.RecordStop(ctx, rec.Key(), time.Now().UTC(), errors.New("exit status 2")); err != nil {
		t.Fatalf("record stop: %v", err)
	}
	running, err = db.GetRunning(ctx, "trader")
	if err != nil {
		t.Fatalf("get running: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("run still live after stop: %+v", running)
	}

	hist, err := db.GetByName(ctx, "trader", 5)
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if len(hist) != 1 || hist[0].State != "exited" {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if !hist[0].ExitErr.Valid || hist[0].ExitErr.String != "exit status 2" {
		t.Fatalf("exit err = %+v", hist[0].ExitErr)
	}

	// Fresh rows survive the purge window.
	n, err := db.PurgeOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Fatalf("purged %d fresh rows", n)
	}
}
