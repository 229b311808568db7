package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrAlreadyRunning = errors.New("already running")

// Service is a long-running part of the process, stopped by cancelling ctx.
type Service interface {
	Run(ctx context.Context) error
	String() string
}

type Runner interface {
	Add(s Service)
	Run() error
	Stop() error
}

// DefaultRunner starts every service in its own goroutine and waits for all of them on Stop.
type DefaultRunner struct {
	log      logrus.FieldLogger
	services []Service

	mu        sync.Mutex
	isRunning bool
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	errs      []error
}

func NewDefaultRunner(log logrus.FieldLogger) *DefaultRunner {
	return &DefaultRunner{
		log:      log,
		services: make([]Service, 0, 2),
	}
}

func (r *DefaultRunner) Add(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, s)
}

func (r *DefaultRunner) runService(ctx context.Context, s Service) {
	defer r.wg.Done()

	if err := s.Run(ctx); err != nil {
		r.log.Errorf("Failed running %s, err: %s", s, err)

		r.mu.Lock()
		r.errs = append(r.errs, fmt.Errorf("%s: %w", s, err))
		r.mu.Unlock()
	}
}

func (r *DefaultRunner) Run() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.isRunning = true

	r.wg.Add(len(r.services))
	for _, s := range r.services {
		r.log.Infof("Starting %s", s)
		go r.runService(ctx, s)
	}

	return nil
}

// Stop cancels every service and returns the errors they reported.
func (r *DefaultRunner) Stop() error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.isRunning = false
	err := errors.Join(r.errs...)
	r.errs = nil
	return err
}
