package auth

import (
	goerrors "github.com/goliatone/go-errors"
	"go.uber.org/zap"
)

// ZapLogger adapts a zap logger to the Logger interface.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger wraps the given zap logger. A nil logger yields a no-op logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{sugar: l.Sugar()}
}

// Named returns a child logger scoped to name.
func (z *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{sugar: z.sugar.Named(name)}
}

func (z *ZapLogger) Debug(msg string, args ...any) {
	z.sugar.Debugw(msg, expandRichErrors(args)...)
}

func (z *ZapLogger) Info(msg string, args ...any) {
	z.sugar.Infow(msg, expandRichErrors(args)...)
}

func (z *ZapLogger) Warn(msg string, args ...any) {
	z.sugar.Warnw(msg, expandRichErrors(args)...)
}

func (z *ZapLogger) Error(msg string, args ...any) {
	z.sugar.Errorw(msg, expandRichErrors(args)...)
}

// expandRichErrors adds category and text code fields next to any go-errors
// value so log lines can be filtered without parsing messages.
func expandRichErrors(args []any) []any {
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			out = append(out, args[i])
			break
		}
		key, val := args[i], args[i+1]
		out = append(out, key, val)

		err, ok := val.(error)
		if !ok || err == nil {
			continue
		}
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			out = append(out, "error_category", richErr.Category)
			if richErr.TextCode != "" {
				out = append(out, "error_code", richErr.TextCode)
			}
		}
	}
	return out
}
