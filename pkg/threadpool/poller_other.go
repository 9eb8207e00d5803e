//go:build !unix

package threadpool

import (
	"errors"
	"runtime"
)

func newPoller() (poller, error) {
	return nil, errors.New("thread pool: no poller available on " + runtime.GOOS)
}
