package logger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/theme"
)

// StyledLogger wraps slog.Logger with Theme-aware formatting
type StyledLogger struct {
	logger *slog.Logger
	Theme  *theme.Theme
}

func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		Theme:  theme,
	}
}

func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	return logger, NewStyledLogger(logger, appTheme), cleanup, nil
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		Theme:  sl.Theme,
	}
}

func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}
	return sl.With(args...)
}

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.Theme.Counts}.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

// InfoWithProxy styles the proxy id so rotation logs scan easily. Proxies are
// always identified by id here, never by URL, so credentials cannot leak.
func (sl *StyledLogger) InfoWithProxy(msg string, proxyID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Proxy.Sprint(proxyID))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithProxy(msg string, proxyID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Proxy.Sprint(proxyID))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithProxy(msg string, proxyID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Proxy.Sprint(proxyID))
	sl.logger.Error(styledMsg, args...)
}

// InfoCircuitState renders a breaker transition with the state colour-coded.
func (sl *StyledLogger) InfoCircuitState(msg string, proxyID string, state domain.CircuitState, args ...any) {
	var stateColor pterm.Color
	switch state {
	case domain.CircuitClosed:
		stateColor = sl.Theme.CircuitClosed
	case domain.CircuitOpen:
		stateColor = sl.Theme.CircuitOpen
	case domain.CircuitHalfOpen:
		stateColor = sl.Theme.CircuitHalfOpen
	default:
		stateColor = sl.Theme.HealthUnknown
	}
	styledMsg := fmt.Sprintf("%s %s is %s", msg,
		sl.Theme.Proxy.Sprint(proxyID),
		pterm.Style{stateColor}.Sprint(string(state)))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) InfoHealthStatus(msg string, proxyID string, health domain.ProxyHealth, args ...any) {
	var healthColor pterm.Color
	switch health {
	case domain.HealthHealthy:
		healthColor = sl.Theme.HealthHealthy
	case domain.HealthDegraded:
		healthColor = sl.Theme.HealthDegraded
	case domain.HealthUnhealthy:
		healthColor = sl.Theme.HealthUnhealthy
	default:
		healthColor = sl.Theme.HealthUnknown
	}
	styledMsg := fmt.Sprintf("%s %s is %s", msg,
		sl.Theme.Proxy.Sprint(proxyID),
		pterm.Style{healthColor}.Sprint(string(health)))
	sl.logger.Info(styledMsg, args...)
}

// LogContext separates user-facing from detailed logging context: terminal
// output stays clean while the log file captures everything.
type LogContext struct {
	UserArgs     []any
	DetailedArgs []any
}

func (sl *StyledLogger) InfoWithContext(msg string, proxyID string, ctx LogContext) {
	sl.logWithContext("info", msg, proxyID, ctx)
}

func (sl *StyledLogger) WarnWithContext(msg string, proxyID string, ctx LogContext) {
	sl.logWithContext("warn", msg, proxyID, ctx)
}

func (sl *StyledLogger) ErrorWithContext(msg string, proxyID string, ctx LogContext) {
	sl.logWithContext("error", msg, proxyID, ctx)
}

func (sl *StyledLogger) logWithContext(level string, msg string, proxyID string, ctx LogContext) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Proxy.Sprint(proxyID))

	switch level {
	case "info":
		sl.logger.Info(styledMsg, ctx.UserArgs...)
	case "warn":
		sl.logger.Warn(styledMsg, ctx.UserArgs...)
	case "error":
		sl.logger.Error(styledMsg, ctx.UserArgs...)
	}

	if len(ctx.DetailedArgs) > 0 {
		allArgs := make([]any, 0, len(ctx.UserArgs)+len(ctx.DetailedArgs)+2)
		allArgs = append(allArgs, "proxy_id", proxyID)
		allArgs = append(allArgs, ctx.UserArgs...)
		allArgs = append(allArgs, ctx.DetailedArgs...)

		detailedCtx := context.WithValue(context.Background(), DefaultDetailedCookie, true)

		switch level {
		case "info":
			sl.logger.InfoContext(detailedCtx, msg, allArgs...)
		case "warn":
			sl.logger.WarnContext(detailedCtx, msg, allArgs...)
		case "error":
			sl.logger.ErrorContext(detailedCtx, msg, allArgs...)
		}
	}
}
