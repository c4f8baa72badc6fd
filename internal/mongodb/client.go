// Package mongodb wraps the few direct driver calls the tool needs: listing
// databases, clearing or dropping a target database, and connectivity checks.
// Bulk data movement is always left to mongodump and mongorestore.
package mongodb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/logging"
)

// DefaultTimeout bounds connection and server selection
const DefaultTimeout = 10 * time.Second

var systemDatabases = map[string]bool{
	"admin":  true,
	"local":  true,
	"config": true,
}

// DatabaseInfo describes one database on a deployment
type DatabaseInfo struct {
	Name       string `json:"name" yaml:"name"`
	SizeOnDisk int64  `json:"size_on_disk" yaml:"size_on_disk"`
	Empty      bool   `json:"empty" yaml:"empty"`
}

// Config configures the client
type Config struct {
	Timeout time.Duration
	Retry   apperrors.RetryConfig
}

// Client opens a short-lived driver connection per call
type Client struct {
	timeout time.Duration
	retry   *apperrors.RetryHandler
	logger  *logging.Logger
}

// NewClient creates a client
func NewClient(cfg Config, logger *logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = apperrors.DefaultRetryConfig()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{
		timeout: cfg.Timeout,
		retry:   apperrors.NewRetryHandler(cfg.Retry),
		logger:  logger,
	}
}

func (c *Client) withClient(ctx context.Context, uri string, fn func(*mongo.Client) error) error {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(c.timeout).
		SetServerSelectionTimeout(c.timeout).
		SetAppName("mongo-env-sync")

	client, err := mongo.Connect(opts)
	if err != nil {
		return apperrors.NewConfigurationError("invalid connection settings", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		if derr := client.Disconnect(dctx); derr != nil {
			c.logger.Debugf("Disconnect from %s failed: %v", logging.SanitizeURI(uri), derr)
		}
	}()

	return c.retry.Retry(ctx, func() error {
		return fn(client)
	})
}

// Ping checks that the deployment answers
func (c *Client) Ping(ctx context.Context, uri string) error {
	return c.withClient(ctx, uri, func(client *mongo.Client) error {
		return client.Ping(ctx, readpref.PrimaryPreferred())
	})
}

// ListDatabases returns user databases sorted by name, skipping admin, local and config
func (c *Client) ListDatabases(ctx context.Context, uri string) ([]DatabaseInfo, error) {
	var out []DatabaseInfo
	err := c.withClient(ctx, uri, func(client *mongo.Client) error {
		res, err := client.ListDatabases(ctx, bson.D{})
		if err != nil {
			return err
		}
		out = out[:0]
		for _, spec := range res.Databases {
			if systemDatabases[spec.Name] {
				continue
			}
			out = append(out, DatabaseInfo{Name: spec.Name, SizeOnDisk: spec.SizeOnDisk, Empty: spec.Empty})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DatabaseExists reports whether database is listed on the deployment
func (c *Client) DatabaseExists(ctx context.Context, uri, database string) (bool, error) {
	var exists bool
	err := c.withClient(ctx, uri, func(client *mongo.Client) error {
		names, err := client.ListDatabaseNames(ctx, bson.D{{Key: "name", Value: database}})
		if err != nil {
			return err
		}
		exists = len(names) > 0
		return nil
	})
	return exists, err
}

// ClearCollections deletes every document of every non-system collection, keeping indexes.
// It returns how many collections were cleared.
func (c *Client) ClearCollections(ctx context.Context, uri, database string) (int, error) {
	cleared := 0
	err := c.withClient(ctx, uri, func(client *mongo.Client) error {
		db := client.Database(database)
		names, err := db.ListCollectionNames(ctx, bson.D{})
		if err != nil {
			return err
		}
		cleared = 0
		for _, name := range userCollections(names) {
			res, err := db.Collection(name).DeleteMany(ctx, bson.D{})
			if err != nil {
				return fmt.Errorf("clearing %s.%s: %w", database, name, err)
			}
			c.logger.WithFields(map[string]interface{}{
				"database":   database,
				"collection": name,
				"deleted":    res.DeletedCount,
			}).Debug("Collection cleared")
			cleared++
		}
		return nil
	})
	return cleared, err
}

// DropDatabase removes database entirely
func (c *Client) DropDatabase(ctx context.Context, uri, database string) error {
	return c.withClient(ctx, uri, func(client *mongo.Client) error {
		return client.Database(database).Drop(ctx)
	})
}

func userCollections(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.HasPrefix(n, "system.") {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
