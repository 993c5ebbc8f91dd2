package toy

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/mattjoyce/bouncer-worker/internal/config"
)

const connectTimeout = 10 * time.Second

// MongoStore inserts toy documents into MongoDB.
type MongoStore struct {
	client *mongo.Client
	wc     *writeconcern.WriteConcern
}

// NewMongoStore connects to MongoDB. The URI comes from mongo.uri or, when
// unset, from the bouncer database settings.
func NewMongoStore(ctx context.Context, cfg *config.Config) (*MongoStore, error) {
	uri := cfg.Mongo.URI
	if uri == "" {
		uri = URIFromBouncer(cfg.Bouncer)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &MongoStore{client: client, wc: ParseWriteConcern(cfg.Mongo.WriteConcern)}, nil
}

// InsertMany implements Store.
func (s *MongoStore) InsertMany(ctx context.Context, database, collection string, docs []any) error {
	var opts []*options.CollectionOptions
	if s.wc != nil {
		opts = append(opts, options.Collection().SetWriteConcern(s.wc))
	}
	_, err := s.client.Database(database).Collection(collection, opts...).InsertMany(ctx, docs)
	return err
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// URIFromBouncer builds a connection string from the tool's own database settings.
func URIFromBouncer(b config.BouncerConfig) string {
	u := url.URL{
		Scheme:   "mongodb",
		Host:     b.DBHost + ":" + strconv.Itoa(b.DBPort),
		Path:     "/",
		RawQuery: "authSource=admin",
	}
	if b.Username != "" {
		u.User = url.UserPassword(b.Username, b.Password)
	}
	return u.String()
}

// ParseWriteConcern accepts "majority" or a node count. Anything else means
// the server default.
func ParseWriteConcern(s string) *writeconcern.WriteConcern {
	switch s {
	case "":
		return nil
	case "majority":
		return writeconcern.Majority()
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return &writeconcern.WriteConcern{W: n}
	}
	return nil
}
