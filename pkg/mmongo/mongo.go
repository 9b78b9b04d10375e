// Package mmongo provides a lazily-connected MongoDB client wrapper shared
// by every Mongo-backed repository in this core.
package mmongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mlog"
)

// MongoConnection lazily establishes and reuses a single *mongo.Client for
// the lifetime of the process, matching the connect-once, ping-on-connect
// pattern used throughout this core's adapters.
type MongoConnection struct {
	ConnectionStringURI string
	Database             string
	Connected            bool

	client *mongo.Client
	logger mlog.Logger
}

// NewMongoConnection builds an unconnected MongoConnection. Connect is
// called lazily by GetDB on first use.
func NewMongoConnection(uri, database string, logger mlog.Logger) *MongoConnection {
	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	return &MongoConnection{
		ConnectionStringURI: uri,
		Database:            database,
		logger:               logger,
	}
}

// Connect dials MongoDB and pings the primary to confirm reachability.
// Safe to call more than once; subsequent calls are no-ops once connected.
func (mc *MongoConnection) Connect(ctx context.Context) error {
	if mc.Connected {
		return nil
	}

	clientOpts := options.Client().ApplyURI(mc.ConnectionStringURI)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		mc.logger.Errorf("failed to connect to mongodb: %v", err)
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		mc.logger.Errorf("failed to ping mongodb: %v", err)
		return err
	}

	mc.client = client
	mc.Connected = true

	mc.logger.Info("connected to mongodb")

	return nil
}

// GetDB returns the configured database handle, connecting first if
// necessary.
func (mc *MongoConnection) GetDB(ctx context.Context) (*mongo.Database, error) {
	if !mc.Connected {
		if err := mc.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return mc.client.Database(mc.Database), nil
}

// Close disconnects the underlying client, if connected.
func (mc *MongoConnection) Close(ctx context.Context) error {
	if !mc.Connected || mc.client == nil {
		return nil
	}

	err := mc.client.Disconnect(ctx)
	mc.Connected = false

	return err
}
