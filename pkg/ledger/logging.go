package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation       string
	UserID          UserID
	Amount          Amount
	PreviousBalance Amount
	Balance         Amount
	Status          string
	Error           error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithLocker serializes mutations per user through locker.
func WithLocker(locker Locker) ServiceOption {
	return func(service *Service) {
		service.locker = locker
	}
}

// WithHolds makes Spend and Spendable subtract the amount held by holds.
func WithHolds(holds Holds) ServiceOption {
	return func(service *Service) {
		service.holds = holds
	}
}

// WithMaxSwapAttempts bounds compare-and-swap retries for a single mutation.
func WithMaxSwapAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.maxSwapAttempts = attempts
		}
	}
}
