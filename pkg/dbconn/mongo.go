package dbconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/runtime"
)

// MongoConn is a mongodb session backed by a client limited to one socket.
// Statements are database commands in extended JSON, for example
// {"find": "tcp_hourly", "limit": 10}.
type MongoConn struct {
	Base
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoConn creates an unopened mongodb connection. Params: uri,
// database, and optionally username and password.
func NewMongoConn(resourceID string, rc *runtime.Context, limits *Limits) *MongoConn {
	c := &MongoConn{}
	c.Init(resourceID, rc, limits)
	return c
}

// Open implements Connection
func (c *MongoConn) Open(ctx context.Context, params Params, timeout time.Duration) error {
	if params["uri"] == "" || params["database"] == "" {
		return openError(c.resourceID, timeout, fmt.Errorf("mongodb resource %s needs uri and database", c.resourceID), false)
	}

	opts := options.Client().
		ApplyURI(params["uri"]).
		SetMaxPoolSize(1).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetMonitor(otelmongo.NewMonitor())
	if user := params["username"]; user != "" {
		opts.SetAuth(options.Credential{Username: user, Password: params["password"]})
	}

	ctx, cancel := common.TimeoutContext(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err == nil {
		err = client.Ping(ctx, readpref.Primary())
		if err != nil {
			client.Disconnect(context.Background())
		}
	}
	if err != nil {
		if mongo.IsTimeout(err) || ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return openError(c.resourceID, timeout, err, classifyMongo(err).driverErr)
	}

	c.client = client
	c.db = client.Database(params["database"])
	c.MarkOpen()
	log.Debug().Fields(c.LogFields()).Str("driver", "mongodb").Msg("DB connection opened")
	return nil
}

// Execute implements Connection. Cursor commands (find, aggregate) return
// one row per document; any other command returns its reply as one row.
func (c *MongoConn) Execute(ctx context.Context, statement string, timeout time.Duration) (*Result, error) {
	timeout = c.QueryTimeout(timeout)
	start := time.Now()
	defer func() { c.AddUsage(time.Since(start)) }()

	if !c.IsOpen() {
		return nil, queryError(c, timeout, errors.New("connection is closed"), failure{}, false)
	}

	var command bson.D
	if err := bson.UnmarshalExtJSON([]byte(statement), false, &command); err != nil {
		// a malformed statement does not hurt the session
		return nil, queryError(c, timeout, fmt.Errorf("invalid command: %w", err), failure{driverErr: true, keepOpen: true}, false)
	}
	if len(command) == 0 {
		return nil, queryError(c, timeout, errors.New("empty command"), failure{driverErr: true, keepOpen: true}, false)
	}

	ctx, cancel := common.TimeoutContext(ctx, timeout)
	defer cancel()

	var docs []bson.M
	var err error
	switch command[0].Key {
	case "find", "aggregate":
		docs, err = c.runCursorCommand(ctx, command)
	default:
		var reply bson.M
		err = c.db.RunCommand(ctx, command).Decode(&reply)
		docs = []bson.M{reply}
	}
	if err != nil {
		if mongo.IsTimeout(err) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, queryError(c, timeout, err, classifyMongo(err), false)
	}

	return documentsResult(docs), nil
}

func (c *MongoConn) runCursorCommand(ctx context.Context, command bson.D) ([]bson.M, error) {
	cursor, err := c.db.RunCommandCursor(ctx, command)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	docs := []bson.M{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// documentsResult collects the union of document keys, in order of first
// appearance, as the result columns
func documentsResult(docs []bson.M) *Result {
	result := &Result{Columns: []string{}, Rows: make([]map[string]interface{}, 0, len(docs))}
	seen := make(map[string]bool)
	for _, doc := range docs {
		row := make(map[string]interface{}, len(doc))
		for key, value := range doc {
			if !seen[key] {
				seen[key] = true
				result.Columns = append(result.Columns, key)
			}
			row[key] = value
		}
		result.Rows = append(result.Rows, row)
	}
	return result
}

// classifyMongo treats server command errors as statement-level and network
// errors as fatal to the session
func classifyMongo(err error) failure {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return failure{driverErr: true, keepOpen: !cmdErr.HasErrorLabel("NetworkError")}
	}
	if mongo.IsNetworkError(err) {
		return failure{driverErr: true}
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		return failure{driverErr: true, keepOpen: true}
	}
	return failure{}
}

// Close implements Connection
func (c *MongoConn) Close() error {
	if !c.IsOpen() {
		return nil
	}
	c.MarkClosed()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Debug().Fields(c.LogFields()).Msg("DB connection closed")
	return c.client.Disconnect(ctx)
}
