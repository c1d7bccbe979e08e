//go:build !linux

package ready

import (
	"context"

	logx "baton/pkg/logx"
)

type Service struct {
	log logx.Logger
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log}
}

func (s *Service) Ready(ctx context.Context) {}

func (s *Service) Stopping() {}
