package loyalty

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing engine operation.
type OperationLog struct {
	Operation  string
	Shop       string
	CustomerID string
	Points     int64
	SourceID   string
	Code       string
	Status     string
	Error      error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithLocker wires the TTL lock used by the expiry sweeper.
func WithLocker(locker Locker) ServiceOption {
	return func(service *Service) {
		service.locker = locker
	}
}

// WithCodeGenerator overrides redemption code generation.
func WithCodeGenerator(generate func() (string, error)) ServiceOption {
	return func(service *Service) {
		service.codeFn = generate
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
