package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sakif/credential-service/internal/apperror"
	"github.com/sakif/credential-service/internal/config"
	"github.com/sakif/credential-service/internal/repository"
	mongoRepo "github.com/sakif/credential-service/internal/repository/mongo"
	postgresRepo "github.com/sakif/credential-service/internal/repository/postgres"
	sqliteRepo "github.com/sakif/credential-service/internal/repository/sqlite"
	"github.com/sakif/credential-service/internal/secrets"
)

// newSecretsLoader is a seam for tests; production builds a real AWS client.
var newSecretsLoader = func(ctx context.Context, region string) (credentialSource, error) {
	return secrets.NewLoader(ctx, region)
}

type credentialSource interface {
	DBCredentials(ctx context.Context, secretID string) (*secrets.DBCredentials, error)
}

// storeOpener returns the Opener for the configured driver.
//
// The opener runs inside repository.Lazy, on the first request that needs the
// store. That is also where the connection secret is fetched, so a process
// with a bad secret still starts and answers /health, and /ready reports 503
// until the secret is fixed.
func storeOpener(cfg config.StoreConfig, logger *slog.Logger) (repository.Opener, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return func(ctx context.Context) (repository.Store, error) {
			db, err := sqliteRepo.New(ctx, cfg.Path)
			if err != nil {
				return nil, err
			}
			return db, nil
		}, nil

	case config.DriverPostgres:
		return func(ctx context.Context) (repository.Store, error) {
			dsn, err := connectionString(ctx, cfg, func(c *secrets.DBCredentials) string {
				return c.PostgresURL(cfg.Database)
			})
			if err != nil {
				return nil, err
			}
			db, err := postgresRepo.Open(ctx, dsn, logger)
			if err != nil {
				return nil, err
			}
			return db, nil
		}, nil

	case config.DriverMongo:
		return func(ctx context.Context) (repository.Store, error) {
			uri, err := connectionString(ctx, cfg, func(c *secrets.DBCredentials) string {
				return c.MongoURI(cfg.MongoCAFile)
			})
			if err != nil {
				return nil, err
			}
			db, err := mongoRepo.Open(ctx, uri, cfg.Database, logger)
			if err != nil {
				return nil, err
			}
			return db, nil
		}, nil

	default:
		return nil, apperror.Configuration(fmt.Sprintf("unknown store driver %q", cfg.Driver), nil)
	}
}

// connectionString prefers an explicit DATABASE_URL and otherwise renders one
// from the Secrets Manager secret.
func connectionString(ctx context.Context, cfg config.StoreConfig, render func(*secrets.DBCredentials) string) (string, error) {
	if cfg.URL != "" {
		return cfg.URL, nil
	}

	loader, err := newSecretsLoader(ctx, cfg.AWSRegion)
	if err != nil {
		return "", err
	}
	creds, err := loader.DBCredentials(ctx, cfg.SecretARN)
	if err != nil {
		return "", err
	}
	return render(creds), nil
}
