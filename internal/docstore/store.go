// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package docstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hootrhino/sensorpipe/internal/config"
	"github.com/hootrhino/sensorpipe/internal/sensor"
)

// Store wraps one MongoDB database handle.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials the document store and verifies it answers.
func Connect(ctx context.Context, cfg config.DocumentStoreConfig) (*Store, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("docstore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	return &Store{client: client, db: client.Database(cfg.Database)}, nil
}

// Collection returns a raw collection handle.
func (s *Store) Collection(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// Close releases the connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates every natural-key unique index plus the range
// query indexes. Safe to call on every startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	sessionKey := mongo.IndexModel{
		Keys:    bson.D{{Key: "session_prefix", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	types := []sensor.Type{sensor.Temperature, sensor.WindSpeed, sensor.Pressure, sensor.Humidity}
	for _, t := range types {
		plan := map[string][]mongo.IndexModel{
			RealtimeCollection(t): {sessionKey},
			HistoricalCollection(t): {
				{
					Keys: bson.D{
						{Key: "session_prefix", Value: 1},
						{Key: "timestamp", Value: 1},
					},
					Options: options.Index().SetUnique(true),
				},
				{Keys: bson.D{{Key: "timestamp", Value: 1}}},
			},
			TimeseriesCollection(t): {
				{
					Keys: bson.D{
						{Key: "session_prefix", Value: 1},
						{Key: "channel", Value: 1},
						{Key: "timestamp_unix", Value: 1},
					},
					Options: options.Index().SetUnique(true),
				},
				{Keys: bson.D{{Key: "timestamp", Value: 1}}},
				{Keys: bson.D{
					{Key: "session_prefix", Value: 1},
					{Key: "channel", Value: 1},
				}},
			},
			StatisticsCollection(t): {sessionKey},
		}
		for coll, models := range plan {
			if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
				return fmt.Errorf("docstore: indexes for %s: %w", coll, err)
			}
		}
	}

	ledgerKey := mongo.IndexModel{
		Keys: bson.D{
			{Key: "data_type", Value: 1},
			{Key: "key", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	for _, coll := range []string{SyncStatusCollection, SyncProgressCollection} {
		if _, err := s.db.Collection(coll).Indexes().CreateOne(ctx, ledgerKey); err != nil {
			return fmt.Errorf("docstore: indexes for %s: %w", coll, err)
		}
	}
	return nil
}
