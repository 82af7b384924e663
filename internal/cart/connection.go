package cart

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoOptions configures the client behind the cart store. Zero values fall back to defaults.
type MongoOptions struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	Timeout     time.Duration
}

// OpenMongo connects and returns the cart database once the primary answers a ping.
// The caller owns db.Client() and must disconnect it.
func OpenMongo(ctx context.Context, opts MongoOptions) (*mongo.Database, error) {
	if opts.MaxPoolSize == 0 {
		opts.MaxPoolSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(opts.URI).
		SetAppName("marketplace-carts").
		SetConnectTimeout(opts.Timeout).
		SetServerSelectionTimeout(opts.Timeout/2).
		SetMaxPoolSize(opts.MaxPoolSize))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client.Database(opts.Database), nil
}
