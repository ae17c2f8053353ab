// Package oplog bridges the engine's operation callback to zap.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/merchkit/loyalty/pkg/loyalty"
)

// ZapLogger implements loyalty.OperationLogger on a zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wires a ZapLogger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// LogOperation records one engine operation.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry loyalty.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("shop", entry.Shop),
		zap.String("customer_id", entry.CustomerID),
		zap.Int64("points", entry.Points),
		zap.String("status", entry.Status),
	}
	if entry.SourceID != "" {
		fields = append(fields, zap.String("source_id", entry.SourceID))
	}
	if entry.Code != "" {
		fields = append(fields, zap.String("code", entry.Code))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("loyalty operation failed", fields...)
		return
	}
	zapLogger.logger.Info("loyalty operation", fields...)
}
