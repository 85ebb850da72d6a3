package gateway

import (
	"errors"
	"sync"
)

var errInUse = errors.New("operator already connected")

// xMutex is a non-blocking exclusive guard: Lock fails instead of waiting.
type xMutex struct {
	lck   sync.Mutex
	inuse bool
}

func (xm *xMutex) Lock() error {
	xm.lck.Lock()
	defer xm.lck.Unlock()
	if xm.inuse {
		return errInUse
	}
	xm.inuse = true
	return nil
}

func (xm *xMutex) Unlock() {
	xm.lck.Lock()
	defer xm.lck.Unlock()
	xm.inuse = false
}

func (xm *xMutex) InUse() bool {
	xm.lck.Lock()
	defer xm.lck.Unlock()
	return xm.inuse
}
