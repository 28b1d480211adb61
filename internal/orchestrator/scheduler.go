package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/config"
)

// Scheduler 每日定时触发一轮全量采集。
//
// 运行时刻为本地时间 "HH:MM"；当天时刻已过则顺延到明天。
// 每轮结束后重新计算下一次触发时间，运行期间不会叠加触发。
type Scheduler struct {
	cfg    *config.ScheduleConfig
	run    func(ctx context.Context)
	logger *slog.Logger

	hour   int
	minute int
}

// NewScheduler 创建定时调度器。daily 格式不合法时返回错误。
func NewScheduler(cfg *config.ScheduleConfig, run func(ctx context.Context), logger *slog.Logger) (*Scheduler, error) {
	hour, minute, err := parseDaily(cfg.Daily)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:    cfg,
		run:    run,
		logger: logger,
		hour:   hour,
		minute: minute,
	}, nil
}

// parseDaily 解析 "HH:MM" 为小时与分钟。
func parseDaily(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid daily time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in daily time %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in daily time %q", s)
	}
	return hour, minute, nil
}

// nextOccurrence 返回 now 之后最近一次的触发时刻。
func (s *Scheduler) nextOccurrence(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start 运行调度循环，直到 ctx 被取消。阻塞调用。
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled")
		return
	}

	for {
		next := s.nextOccurrence(time.Now())
		s.logger.Info("next scheduled run",
			slog.Time("at", next),
			slog.Duration("in", time.Until(next)))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return
		case <-timer.C:
		}

		s.logger.Info("scheduled run starting")
		s.run(ctx)
	}
}
