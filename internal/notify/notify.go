// Package notify 将运行结果广播到 Redis 或 RabbitMQ。
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cast-on-tenderly/internal/caster"
	xerrors "cast-on-tenderly/internal/errors"
)

// Event 描述一次运行的最终结果，供 CI 等外部系统订阅。
type Event struct {
	RunID            string    `json:"run_id"`
	Spell            string    `json:"spell"`
	ForkID           string    `json:"fork_id,omitempty"`
	ForkURL          string    `json:"fork_url,omitempty"`
	SharedURL        string    `json:"shared_url,omitempty"`
	Stage            string    `json:"stage"`
	Success          bool      `json:"success"`
	AlreadyScheduled bool      `json:"already_scheduled,omitempty"`
	ScheduleError    string    `json:"schedule_error,omitempty"`
	ErrorCode        string    `json:"error_code,omitempty"`
	Severity         string    `json:"severity,omitempty"`
	Error            string    `json:"error,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// NewEvent 根据运行结果构造事件。
func NewEvent(result *caster.Result, runErr error, now time.Time) Event {
	event := Event{Success: runErr == nil, OccurredAt: now.UTC()}
	if result != nil {
		event.RunID = result.RunID
		event.Spell = result.Spell.Hex()
		event.ForkID = result.Fork.ID
		event.ForkURL = result.Fork.DashboardURL
		event.SharedURL = result.SharedURL
		event.Stage = string(result.Stage)
		event.AlreadyScheduled = result.AlreadyScheduled
		if result.ScheduleErr != nil {
			event.ScheduleError = result.ScheduleErr.Error()
		}
	}
	if runErr != nil {
		event.ErrorCode = string(xerrors.CodeOf(runErr))
		event.Severity = string(xerrors.SeverityOf(runErr))
		event.Error = runErr.Error()
	}
	return event
}

func (e Event) payload() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
	Close() error
}

// Fanout 将事件投递到多个通知器。
type Fanout struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewFanout 创建一个新的 Fanout，忽略 nil 通知器。
func NewFanout(logger *slog.Logger, notifiers ...Notifier) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &Fanout{notifiers: set, logger: logger}
}

// Len 返回已注册的通知器数量。
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.notifiers)
}

// Notify 将事件广播至所有渠道，单个渠道失败不影响其他渠道。
func (f *Fanout) Notify(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, notifier := range f.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			f.logger.Warn("发送运行通知失败", slog.String("channel", notifier.Name()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Name(), err))
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeNotificationFailure, errors.Join(errs...), "")
	}
	return nil
}

// Close 关闭所有通知器。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var err error
	for _, notifier := range f.notifiers {
		err = errors.Join(err, notifier.Close())
	}
	return err
}
