package services

import (
	"context"

	"github.com/sirupsen/logrus"
)

// SMSSender is the SMS transport.
type SMSSender interface {
	Send(ctx context.Context, to, body string) error
}

// UnimplementedSMSSender stands in until an SMS provider is wired. It logs the
// message it would have sent and fails, so executions are recorded as failed
// rather than silently reported as delivered.
type UnimplementedSMSSender struct {
	logger *logrus.Logger
}

func NewUnimplementedSMSSender(logger *logrus.Logger) *UnimplementedSMSSender {
	if logger == nil {
		logger = logrus.New()
	}
	return &UnimplementedSMSSender{logger: logger}
}

func (s *UnimplementedSMSSender) Send(_ context.Context, to, body string) error {
	s.logger.WithFields(logrus.Fields{
		"to":    to,
		"chars": len(body),
	}).Warn("sms: transport not implemented, message not sent")
	return ErrSMSNotImplemented
}
