package feedstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/onnwee/campusfeed/internal/feed"
)

// Transient PostgreSQL error classes and codes.
var (
	transientClasses = map[pq.ErrorClass]bool{
		"08": true, // connection exception
		"53": true, // insufficient resources
		"57": true, // operator intervention
	}
	transientCodes = map[pq.ErrorCode]bool{
		"40001": true, // serialization_failure
		"40P01": true, // deadlock_detected
	}
)

// Classify wraps err with feed.ErrTransient when a retry may succeed.
// Context cancellation is never transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if transientCodes[pqErr.Code] || transientClasses[pqErr.Code.Class()] {
			return fmt.Errorf("%w: %w", feed.ErrTransient, err)
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", feed.ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", feed.ErrTransient, err)
	}
	return err
}
