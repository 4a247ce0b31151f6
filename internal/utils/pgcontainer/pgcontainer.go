// Package pgcontainer runs a throwaway postgres in docker for
// integration tests.
package pgcontainer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

const (
	testDBName       = "test"
	testUserName     = "test"
	testUserPassword = "test"

	defaultPostgresTag = "16"
)

type PGContainer struct {
	log       *slog.Logger
	pool      *dockertest.Pool
	container *dockertest.Resource
	dsn       string
}

func New(log *slog.Logger) *PGContainer {
	return &PGContainer{log: log}
}

func (c *PGContainer) RunContainer() error {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return fmt.Errorf("failed to initialize a docker pool: %w", err)
	}
	c.pool = pool

	const pgPort = "5432/tcp"
	container, err := pool.RunWithOptions(
		&dockertest.RunOptions{
			Repository: "postgres",
			Tag:        postgresTag(),
			Env: []string{
				"POSTGRES_DB=" + testDBName,
				"POSTGRES_USER=" + testUserName,
				"POSTGRES_PASSWORD=" + testUserPassword,
			},
			ExposedPorts: []string{pgPort},
		},
		func(config *docker.HostConfig) {
			config.AutoRemove = true
			config.RestartPolicy = docker.RestartPolicy{Name: "no"}
		},
	)
	if err != nil {
		return fmt.Errorf("failed to run postgres container: %w", err)
	}
	c.container = container

	c.dsn = fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=disable",
		testUserName,
		testUserPassword,
		container.GetHostPort(pgPort),
		testDBName,
	)

	pool.MaxWait = 30 * time.Second
	if err := pool.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		conn, err := pgx.Connect(ctx, c.dsn)
		if err != nil {
			return fmt.Errorf("failed to connect to the DB: %w", err)
		}
		defer func() {
			if err := conn.Close(ctx); err != nil {
				c.log.LogAttrs(ctx,
					slog.LevelWarn,
					"failed to correctly close the DB connection",
					slog.Any("error", err),
				)
			}
		}()
		return conn.Ping(ctx)
	}); err != nil {
		return fmt.Errorf("postgres container is not ready: %w", err)
	}

	return nil
}

func (c *PGContainer) GetDSN() string {
	return c.dsn
}

func (c *PGContainer) Close() {
	if c.pool == nil || c.container == nil {
		return
	}
	if err := c.pool.Purge(c.container); err != nil {
		c.log.LogAttrs(context.TODO(),
			slog.LevelWarn,
			"failed to purge the postgres container",
			slog.Any("error", err),
		)
	}
}

func postgresTag() string {
	_ = godotenv.Load(".env")
	if tag := os.Getenv("POSTGRES_TAG"); tag != "" {
		return tag
	}
	return defaultPostgresTag
}
