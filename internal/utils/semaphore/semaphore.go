package semaphore

import (
	"errors"
	"time"
)

type Semaphore struct {
	semaCh chan struct{}
}

func New(maxWorkerCount uint64) *Semaphore {
	return &Semaphore{
		semaCh: make(chan struct{}, maxWorkerCount),
	}
}

func (s *Semaphore) AcquireWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return errors.New("semaphore acquire timeout exceeded")
	case s.semaCh <- struct{}{}:
		return nil
	}
}

func (s *Semaphore) Release() {
	<-s.semaCh
}
