package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	commonlog "permit_server/server/common/log"
)

const DefaultCleanupCron = "*/15 * * * *"

type expiredCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// ExpirySweeper deletes expired notifications on a cron schedule.
type ExpirySweeper struct {
	cleaner expiredCleaner
	cron    string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewExpirySweeper(cleaner expiredCleaner, cronExpr string) (*ExpirySweeper, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	if cronExpr == "" {
		cronExpr = DefaultCleanupCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid notification cleanup cron expression: %s", cronExpr)
	}
	return &ExpirySweeper{cleaner: cleaner, cron: cronExpr}, nil
}

func (s *ExpirySweeper) Cron() string { return s.cron }

func (s *ExpirySweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	commonlog.Infof("event=notification_sweeper action=start status=ok cron=%q", s.cron)
}

func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce performs a single sweep and logs its outcome.
func (s *ExpirySweeper) RunOnce(ctx context.Context) (int64, error) {
	deleted, err := s.cleaner.CleanupExpired(ctx)
	if err != nil {
		commonlog.Errorf("event=notification_sweeper action=cleanup status=failed error=%v", err)
		return 0, err
	}
	if deleted > 0 {
		commonlog.Infof("event=notification_sweeper action=cleanup status=ok deleted=%d", deleted)
	}
	return deleted, nil
}

func (s *ExpirySweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now().UTC(), false)
		wait := time.Until(next)
		if err != nil {
			commonlog.Errorf("event=notification_sweeper action=next_tick status=failed cron=%q error=%v", s.cron, err)
			wait = 30 * time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			commonlog.Infof("event=notification_sweeper action=stop status=ok")
			return
		case <-timer.C:
		}
		if err == nil {
			_, _ = s.RunOnce(ctx)
		}
	}
}
