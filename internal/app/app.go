package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"zkpredator/internal/analyst"
	"zkpredator/internal/bite"
	"zkpredator/internal/budget"
	"zkpredator/internal/config"
	"zkpredator/internal/decision"
	"zkpredator/internal/events"
	"zkpredator/internal/logger"
	"zkpredator/internal/payment"
	"zkpredator/internal/pkg/symbol"
	"zkpredator/internal/scheduler"
	"zkpredator/internal/screen"
	"zkpredator/internal/store/gormstore"
	livehttp "zkpredator/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 服务或执行单轮决策。
type App struct {
	cfg        *config.Config
	ledger     *budget.Ledger
	store      *gormstore.GormStore
	payments   *payment.Service
	catalog    *analyst.Catalog
	vault      bite.Vault
	releaser   *bite.Releaser
	gate       *decision.Gate
	httpServer *livehttp.Server
	events     *events.Hub
	closers    []func() error

	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	if a.httpServer == nil {
		return fmt.Errorf("http server not initialized")
	}
	defer a.Close()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("HTTP 服务监听 %s", a.httpServer.Addr())
		if err := a.httpServer.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	if sched := a.newScheduler(); sched != nil {
		group.Go(func() error {
			if a.cfg.Analysts.ServeMock {
				if err := waitListening(ctx, a.httpServer.Addr(), 3*time.Second); err != nil {
					return err
				}
			}
			sched.Start(ctx, a.runScheduledRounds)
			return nil
		})
	}
	return group.Wait()
}

func (a *App) newScheduler() *scheduler.AlignedScheduler {
	sc := a.cfg.Schedule
	if !sc.Enabled() {
		return nil
	}
	interval, ok := scheduler.ParseIntervalDuration(sc.Interval)
	if !ok {
		logger.Warnf("schedule.interval 无效: %s，定时轮次关闭", sc.Interval)
		return nil
	}
	s := scheduler.NewAlignedScheduler(interval, time.Duration(sc.OffsetSeconds)*time.Second)
	s.RunImmediately = sc.RunImmediately
	return s
}

// runScheduledRounds 依次对每个标的执行一轮；单个标的失败不影响其余标的。
func (a *App) runScheduledRounds(ctx context.Context) error {
	var errs []error
	for _, sym := range a.cfg.Schedule.Symbols {
		if ctx.Err() != nil {
			break
		}
		out, err := a.gate.Run(ctx, sym)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		logger.Infof("定时轮次 %s state=%s score=%.3f trace=%s", sym, out.State, out.WeightedScore, out.TraceID)
	}
	return errors.Join(errs...)
}

// RunRound 执行一轮决策。分析师网络由本进程模拟时，先在后台启动 HTTP 服务。
func (a *App) RunRound(ctx context.Context, subject string, forceDemo bool) (decision.Outcome, error) {
	if a == nil || a.gate == nil {
		return decision.Outcome{}, fmt.Errorf("app not initialized")
	}
	if strings.TrimSpace(subject) == "" {
		subject = a.cfg.Gate.DefaultSymbol
	}
	subject = symbol.Normalize(subject)
	var opts []decision.RunOption
	if forceDemo {
		opts = append(opts, decision.WithScreener(screen.Static(a.cfg.Gate.ScreenFallback)))
	}
	if !a.cfg.Analysts.ServeMock || a.httpServer == nil {
		return a.gate.Run(ctx, subject, opts...)
	}

	srvCtx, cancel := context.WithCancel(ctx)
	group, srvCtx := errgroup.WithContext(srvCtx)
	group.Go(func() error { return a.httpServer.Start(srvCtx) })
	if err := waitListening(ctx, a.httpServer.Addr(), 3*time.Second); err != nil {
		cancel()
		_ = group.Wait()
		return decision.Outcome{}, err
	}
	out, runErr := a.gate.Run(ctx, subject, opts...)
	cancel()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warnf("http server stopped with error: %v", err)
	}
	return out, runErr
}

// Events 暴露实时事件总线。
func (a *App) Events() *events.Hub {
	if a == nil {
		return nil
	}
	return a.events
}

// Ledger 暴露预算账本（供 CLI 查询）。
func (a *App) Ledger() *budget.Ledger {
	if a == nil {
		return nil
	}
	return a.ledger
}

// Close 释放存储句柄，可重复调用。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func waitListening(ctx context.Context, addr string, timeout time.Duration) error {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", host, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("http server %s not ready: %w", addr, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
