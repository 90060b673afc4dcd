package dbconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mrajcok/watchtower/pkg/common"
)

// failure describes how a backend judged one driver error
type failure struct {
	driverErr bool // the backend rejected the operation
	keepOpen  bool // the session is still usable
}

// isTimeoutErr reports deadline and network timeouts
func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// containsAny reports whether msg contains one of substrings
func containsAny(msg string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// openError classifies a failed open. Driver detail goes to the log fields
// only.
func openError(resourceID string, timeout time.Duration, err error, driverErr bool) error {
	if isTimeoutErr(err) {
		msg := fmt.Sprintf("%s timeout waiting for a DB connection", timeout)
		return common.NewGatewayError(common.KindTimeout, msg+" for resource "+resourceID, msg).
			WithField("resource_id", resourceID).
			WithCause(err)
	}

	kind := common.KindUnclassified
	if driverErr {
		kind = common.KindDatabase
	}
	msg := "could not open a DB connection"
	return common.NewGatewayError(kind, msg+" to resource "+resourceID, msg).
		WithField("resource_id", resourceID).
		WithCause(err)
}

// queryError classifies a failed statement and closes the connection when
// the session cannot be trusted any more
func queryError(c Connection, timeout time.Duration, err error, f failure, closeOnTimeout bool) error {
	resourceID := c.ResourceID()
	connID := c.ID()

	if isTimeoutErr(err) {
		msg := fmt.Sprintf("%s timeout waiting for DB query or fetch", timeout)
		if closeOnTimeout {
			common.SafeClose(c, "connection")
		}
		return common.NewGatewayError(common.KindTimeout, msg+" from resource "+resourceID, msg).
			WithField("resource_id", resourceID).
			WithField("conn_id", connID).
			WithCause(err)
	}

	msg := "DB query error"
	kind := common.KindUnclassified
	if f.driverErr {
		kind = common.KindDatabase
	}

	var connDetails string
	if f.driverErr && f.keepOpen {
		connDetails = fmt.Sprintf(", keeping connection %d open", connID)
	} else {
		common.SafeClose(c, "connection")
		connDetails = fmt.Sprintf(", connection %d closed", connID)
	}

	return common.NewGatewayError(kind, msg+" for resource "+resourceID, msg+connDetails).
		WithField("resource_id", resourceID).
		WithField("conn_id", connID).
		WithCause(err)
}
