// Package scheduler 按 K 线收盘对齐周期性地触发任务。
package scheduler

import (
	"context"
	"time"

	"zkpredator/internal/logger"
)

// AlignedScheduler 在每个周期收盘后 Offset 处执行任务，例如 1h 周期 + 5s 偏移即每小时 xx:00:05。
type AlignedScheduler struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewAlignedScheduler(interval, offset time.Duration) *AlignedScheduler {
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		nowFn:    time.Now,
		after:    time.After,
	}
}

// Start 阻塞运行直到 ctx 取消。任务错误只记录，不中断调度。
func (s *AlignedScheduler) Start(ctx context.Context, task func(context.Context) error) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("AlignedScheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.Offset < 0 {
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	if s.after == nil {
		s.after = time.After
	}
	run := func() {
		if err := task(ctx); err != nil {
			logger.Warnf("AlignedScheduler: task failed: %v", err)
		}
	}

	logger.Infof("AlignedScheduler: started interval=%s offset=%s run_immediately=%v", s.Interval, s.Offset, s.RunImmediately)
	if s.RunImmediately {
		run()
	}
	for {
		wakeAt, wait := s.nextWake(s.nowFn())
		logger.Debugf("AlignedScheduler: 下一次执行=%s (in %s)", wakeAt.Format(time.RFC3339), wait.Truncate(time.Second))
		select {
		case <-ctx.Done():
			logger.Infof("AlignedScheduler: ctx done, exit")
			return
		case <-s.after(wait):
		}
		if ctx.Err() != nil {
			return
		}
		run()
	}
}

func (s *AlignedScheduler) nextWake(now time.Time) (time.Time, time.Duration) {
	now = now.UTC()
	nextClose := now.Truncate(s.Interval).Add(s.Interval)
	wakeAt := nextClose.Add(s.Offset)
	return wakeAt, wakeAt.Sub(now)
}
