// Package logadapter bridges third party loggers onto zap.
package logadapter

import (
	"strings"

	"go.uber.org/zap"
)

// Badger2Zap makes a *zap.Logger satisfy badger.Logger. BadgerDB terminates
// its messages with a newline, which the adapter strips because zap adds its
// own.
type Badger2Zap struct {
	sugar *zap.SugaredLogger
}

func NewBadger2Zap(logger *zap.Logger) *Badger2Zap {
	return &Badger2Zap{sugar: logger.Sugar()}
}

func (l *Badger2Zap) Errorf(template string, args ...interface{}) {
	l.sugar.Errorf(strings.TrimSuffix(template, "\n"), args...)
}

func (l *Badger2Zap) Warningf(template string, args ...interface{}) {
	l.sugar.Warnf(strings.TrimSuffix(template, "\n"), args...)
}

func (l *Badger2Zap) Infof(template string, args ...interface{}) {
	l.sugar.Infof(strings.TrimSuffix(template, "\n"), args...)
}

func (l *Badger2Zap) Debugf(template string, args ...interface{}) {
	l.sugar.Debugf(strings.TrimSuffix(template, "\n"), args...)
}
