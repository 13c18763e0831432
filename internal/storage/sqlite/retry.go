package sqlite

import (
	"strings"
	"time"
)

// retryOnBusy retries a write closure a few times when sqlite reports
// lock contention. WAL mode plus the connection busy timeout handle
// most contention; this covers the remainder under parallel tile jobs.
func retryOnBusy(fn func() error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		msg := err.Error()
		if !strings.Contains(msg, "database is locked") && !strings.Contains(msg, "SQLITE_BUSY") {
			return err
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	return err
}
