package system

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ServiceManager restarts system services through systemctl
type ServiceManager struct {
	runner Runner
	logger *logrus.Logger
}

// NewServiceManager creates a service manager
func NewServiceManager(runner Runner, logger *logrus.Logger) *ServiceManager {
	return &ServiceManager{
		runner: runner,
		logger: logger,
	}
}

// Restart restarts the first of the given unit names that succeeds.
// Distributions disagree on "ssh" vs "sshd", so callers pass both.
func (s *ServiceManager) Restart(ctx context.Context, names ...string) (string, error) {
	if len(names) == 0 {
		return "", errors.New("no service name given")
	}

	var errs []error
	for _, name := range names {
		if _, err := s.runner.Run(ctx, "systemctl", "restart", name); err != nil {
			s.logger.WithError(err).WithField("service", name).Debug("Service restart attempt failed")
			errs = append(errs, err)
			continue
		}

		s.logger.WithField("service", name).Info("Service restarted")
		return name, nil
	}

	return "", fmt.Errorf("failed to restart service (tried %v): %w", names, errors.Join(errs...))
}
