package dbconn

import (
	"fmt"

	"github.com/mrajcok/watchtower/pkg/runtime"
)

// Backend types
const (
	TypeSQLite  = "sqlite"
	TypeMySQL   = "mysql"
	TypeMongoDB = "mongodb"
	TypeRedis   = "redis"
)

// Factory creates unopened connections for one resource
type Factory func() Connection

// NewFactory returns the factory for dbType
func NewFactory(dbType, resourceID string, rc *runtime.Context, limits *Limits) (Factory, error) {
	switch dbType {
	case TypeSQLite:
		return func() Connection { return NewSQLiteConn(resourceID, rc, limits) }, nil
	case TypeMySQL:
		return func() Connection { return NewMySQLConn(resourceID, rc, limits) }, nil
	case TypeMongoDB:
		return func() Connection { return NewMongoConn(resourceID, rc, limits) }, nil
	case TypeRedis:
		return func() Connection { return NewRedisConn(resourceID, rc, limits) }, nil
	default:
		return nil, fmt.Errorf("unsupported db_type: %s", dbType)
	}
}
