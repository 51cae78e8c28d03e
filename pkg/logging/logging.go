// Package logging wraps zap so the rest of the transport can call
// package-level Debug/Info/Warn/Error without every internal type
// carrying its own logger field.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var global atomic.Pointer[zap.Logger]

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	global.Store(l)
}

// SetLogger replaces the package-level logger. Callers embedding this
// module in a larger application should call this once at startup with
// their own configured *zap.Logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	global.Store(l)
}

// L returns the current package-level logger.
func L() *zap.Logger {
	return global.Load()
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }
