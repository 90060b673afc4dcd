package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/mrajcok/watchtower/pkg/common"
	"github.com/mrajcok/watchtower/pkg/runtime"
)

// Statement-level errors that leave the session usable
var (
	sqliteKeepOpenErrors = []string{"syntax error", "no such column", "no such table"}
	mysqlKeepOpenErrors  = []string{"SQL syntax", "Unknown column"}
)

// SQLConn is a single dedicated database/sql session for sqlite or mysql
type SQLConn struct {
	Base
	driverName string
	db         *sql.DB
	conn       *sql.Conn
}

// NewSQLiteConn creates an unopened sqlite connection. Params: path.
func NewSQLiteConn(resourceID string, rc *runtime.Context, limits *Limits) *SQLConn {
	c := &SQLConn{driverName: "sqlite3"}
	c.Init(resourceID, rc, limits)
	return c
}

// NewMySQLConn creates an unopened mysql connection. Params: dsn, or
// host, port, user, password, database.
func NewMySQLConn(resourceID string, rc *runtime.Context, limits *Limits) *SQLConn {
	c := &SQLConn{driverName: "mysql"}
	c.Init(resourceID, rc, limits)
	return c
}

// dsn builds the driver data source name from params
func (c *SQLConn) dsn(params Params, timeout time.Duration) (string, error) {
	switch c.driverName {
	case "sqlite3":
		path := params["path"]
		if path == "" {
			return "", fmt.Errorf("sqlite resource %s has no path", c.resourceID)
		}
		return path, nil
	default:
		var cfg *mysql.Config
		if dsn := params["dsn"]; dsn != "" {
			parsed, err := mysql.ParseDSN(dsn)
			if err != nil {
				return "", fmt.Errorf("invalid mysql dsn: %w", err)
			}
			cfg = parsed
		} else {
			cfg = mysql.NewConfig()
			port := params["port"]
			if port == "" {
				port = "3306"
			}
			cfg.Net = "tcp"
			cfg.Addr = net.JoinHostPort(params["host"], port)
			cfg.User = params["user"]
			cfg.DBName = params["database"]
		}
		if pw := params["password"]; pw != "" {
			cfg.Passwd = pw
		}
		cfg.Timeout = timeout
		return cfg.FormatDSN(), nil
	}
}

// Open implements Connection
func (c *SQLConn) Open(ctx context.Context, params Params, timeout time.Duration) error {
	dsn, err := c.dsn(params, timeout)
	if err != nil {
		return openError(c.resourceID, timeout, err, false)
	}

	ctx, cancel := common.TimeoutContext(ctx, timeout)
	defer cancel()

	db, err := sql.Open(c.driverName, dsn)
	if err != nil {
		return openError(c.resourceID, timeout, err, false)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err == nil {
		err = conn.PingContext(ctx)
		if err != nil {
			conn.Close()
		}
	}
	if err != nil {
		db.Close()
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return openError(c.resourceID, timeout, err, c.classify(err).driverErr)
	}

	c.db = db
	c.conn = conn
	c.MarkOpen()
	log.Debug().Fields(c.LogFields()).Str("driver", c.driverName).Msg("DB connection opened")
	return nil
}

// Execute implements Connection
func (c *SQLConn) Execute(ctx context.Context, statement string, timeout time.Duration) (*Result, error) {
	timeout = c.QueryTimeout(timeout)
	start := time.Now()
	defer func() { c.AddUsage(time.Since(start)) }()

	if !c.IsOpen() {
		return nil, queryError(c, timeout, errors.New("connection is closed"), failure{}, false)
	}

	ctx, cancel := common.TimeoutContext(ctx, timeout)
	defer cancel()

	result, err := c.query(ctx, statement)
	if err != nil {
		if ctx.Err() != nil && !isTimeoutErr(err) {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		// mysql abandons the session when a statement is interrupted
		return nil, queryError(c, timeout, err, c.classify(err), c.driverName == "mysql")
	}
	return result, nil
}

func (c *SQLConn) query(ctx context.Context, statement string) (*Result, error) {
	rows, err := c.conn.QueryContext(ctx, statement)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: columns, Rows: []map[string]interface{}{}}
	values := make([]interface{}, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, name := range columns {
			row[name] = normalizeSQLValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// normalizeSQLValue turns driver byte slices into strings
func normalizeSQLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return val
	}
}

// classify decides whether err came from the backend and whether the
// session survives it
func (c *SQLConn) classify(err error) failure {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return failure{driverErr: true, keepOpen: containsAny(sqliteErr.Error(), sqliteKeepOpenErrors)}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1064 syntax, 1054 unknown column, 1146 no such table
		switch mysqlErr.Number {
		case 1064, 1054, 1146:
			return failure{driverErr: true, keepOpen: true}
		}
		return failure{driverErr: true, keepOpen: containsAny(mysqlErr.Message, mysqlKeepOpenErrors)}
	}

	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) {
		return failure{driverErr: true}
	}
	return failure{}
}

// Close implements Connection
func (c *SQLConn) Close() error {
	if !c.IsOpen() {
		return nil
	}
	c.MarkClosed()

	var errs []error
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	log.Debug().Fields(c.LogFields()).Msg("DB connection closed")
	return errors.Join(errs...)
}

