package e2e

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/sprintloop/internal/store"
)

// Package-level shared state, set by TestMain and used by all tests.
var (
	testLogger   *zap.Logger
	testStore    *store.Store
	testRedisURL string
)

func TestMain(m *testing.M) {
	flag.Parse()
	testLogger = zap.NewNop()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var cleanups []func()
	exit := func(code int) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		os.Exit(code)
	}

	// 1. Start PostgreSQL
	if dsn, cleanup, err := startPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres unavailable, archive tests skip: %v\n", err)
	} else {
		cleanups = append(cleanups, cleanup)
		st, err := store.New(ctx, dsn, testLogger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
			exit(1)
		}
		cleanups = append(cleanups, st.Close)
		if err := st.Migrate(ctx, "../../migrations"); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			exit(1)
		}
		testStore = st
	}

	// 2. Start Redis
	if url, cleanup, err := startRedis(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "redis unavailable, relay tests skip: %v\n", err)
	} else {
		cleanups = append(cleanups, cleanup)
		testRedisURL = url
	}

	exit(m.Run())
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (dsn string, cleanup func(), err error) {
	// testcontainers panics when no Docker host can be found
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start postgres: %v", r)
		}
	}()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("sprintloop_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		testcontainers.TerminateContainer(container)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	return dsn, func() { testcontainers.TerminateContainer(container) }, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (url string, cleanup func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start redis: %v", r)
		}
	}()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		testcontainers.TerminateContainer(container)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	return "redis://" + endpoint, func() { testcontainers.TerminateContainer(container) }, nil
}

func requireStore(t *testing.T) *store.Store {
	t.Helper()
	if testStore == nil {
		t.Skip("PostgreSQL not available (Docker missing or -short)")
	}
	return testStore
}

func requireRedis(t *testing.T) string {
	t.Helper()
	if testRedisURL == "" {
		t.Skip("Redis not available (Docker missing or -short)")
	}
	return testRedisURL
}
