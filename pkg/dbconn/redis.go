package dbconn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/runtime"
)

// redisReplyError matches error replies sent by the server
type redisReplyError interface {
	error
	RedisError()
}

// RedisConn is a redis session backed by a client with a single socket.
// Statements are commands with space separated arguments, for example
// "LRANGE flows 0 9".
type RedisConn struct {
	Base
	client *redis.Client
}

// NewRedisConn creates an unopened redis connection. Params: addr, and
// optionally username, password and db.
func NewRedisConn(resourceID string, rc *runtime.Context, limits *Limits) *RedisConn {
	c := &RedisConn{}
	c.Init(resourceID, rc, limits)
	return c
}

// Open implements Connection
func (c *RedisConn) Open(ctx context.Context, params Params, timeout time.Duration) error {
	if params["addr"] == "" {
		return openError(c.resourceID, timeout, fmt.Errorf("redis resource %s has no addr", c.resourceID), false)
	}

	db := 0
	if s := params["db"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return openError(c.resourceID, timeout, fmt.Errorf("invalid redis db %q: %w", s, err), false)
		}
		db = n
	}

	client := redis.NewClient(&redis.Options{
		Addr:         params["addr"],
		Username:     params["username"],
		Password:     params["password"],
		DB:           db,
		PoolSize:     1,
		MinIdleConns: 1,
		DialTimeout:  timeout,
		MaxRetries:   -1,
	})

	ctx, cancel := common.TimeoutContext(ctx, timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return openError(c.resourceID, timeout, err, classifyRedis(err).driverErr)
	}

	c.client = client
	c.MarkOpen()
	log.Debug().Fields(c.LogFields()).Str("driver", "redis").Msg("DB connection opened")
	return nil
}

// Execute implements Connection. Array replies return one row per element;
// scalar replies return one row. A nil reply returns no rows.
func (c *RedisConn) Execute(ctx context.Context, statement string, timeout time.Duration) (*Result, error) {
	timeout = c.QueryTimeout(timeout)
	start := time.Now()
	defer func() { c.AddUsage(time.Since(start)) }()

	if !c.IsOpen() {
		return nil, queryError(c, timeout, errors.New("connection is closed"), failure{}, false)
	}

	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return nil, queryError(c, timeout, errors.New("empty command"), failure{driverErr: true, keepOpen: true}, false)
	}
	args := make([]interface{}, len(fields))
	for i, f := range fields {
		args[i] = f
	}

	ctx, cancel := common.TimeoutContext(ctx, timeout)
	defer cancel()

	reply, err := c.client.Do(ctx, args...).Result()
	if errors.Is(err, redis.Nil) {
		return &Result{Columns: []string{"value"}, Rows: []map[string]interface{}{}}, nil
	}
	if err != nil {
		if ctx.Err() != nil && !isTimeoutErr(err) {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return nil, queryError(c, timeout, err, classifyRedis(err), false)
	}

	return replyResult(reply), nil
}

func replyResult(reply interface{}) *Result {
	result := &Result{Columns: []string{"value"}}
	if values, ok := reply.([]interface{}); ok {
		result.Rows = make([]map[string]interface{}, 0, len(values))
		for _, v := range values {
			result.Rows = append(result.Rows, map[string]interface{}{"value": v})
		}
		return result
	}
	result.Rows = []map[string]interface{}{{"value": reply}}
	return result
}

// classifyRedis keeps the session for server error replies. Anything else
// the client reports is a broken socket.
func classifyRedis(err error) failure {
	var replyErr redisReplyError
	if errors.As(err, &replyErr) {
		return failure{driverErr: true, keepOpen: true}
	}
	return failure{driverErr: true}
}

// Close implements Connection
func (c *RedisConn) Close() error {
	if !c.IsOpen() {
		return nil
	}
	c.MarkClosed()

	log.Debug().Fields(c.LogFields()).Msg("DB connection closed")
	return c.client.Close()
}
