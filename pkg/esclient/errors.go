package esclient

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no document exists at the given id.
var ErrNotFound = errors.New("esclient: document not found")

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Minute
	}
	return d
}
