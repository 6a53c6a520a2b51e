package mirror

import (
	"errors"
	"fmt"
)

// ErrNoBatchableMedia reports a media group holding an item that cannot travel in a batch.
var ErrNoBatchableMedia = errors.New("media group contains items that cannot be batched")

// DeliveryError is the single failure value returned by publish and read collaborators.
type DeliveryError struct {
	Op        string
	Channel   int64
	MessageID int64
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.MessageID == 0 {
		return fmt.Sprintf("%s channel=%d: %v", e.Op, e.Channel, e.Err)
	}
	return fmt.Sprintf("%s channel=%d message=%d: %v", e.Op, e.Channel, e.MessageID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewDeliveryError wraps cause as a DeliveryError.
func NewDeliveryError(op string, channel, messageID int64, cause error) error {
	return &DeliveryError{Op: op, Channel: channel, MessageID: messageID, Err: cause}
}

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}
