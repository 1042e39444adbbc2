package bus

import (
	"context"

	"relay/internal/broker"
	"relay/pkg/errors"
	"relay/pkg/models"
	"relay/pkg/retry"
)

// KafkaHandler feeds events consumed from Kafka into Accept. Rejected events
// are fatal so the consumer sends them to its DLQ topic without retrying;
// failed target deliveries are already reported by Accept and not retried.
func (b *Bus) KafkaHandler() broker.HandlerFunc {
	return func(ctx context.Context, raw models.RawEvent) error {
		_, err := b.Accept(ctx, raw)
		if err == nil {
			return nil
		}

		var appErr *errors.Error
		if errors.As(err, &appErr) && appErr.IsFatal() {
			return retry.NewFatalError(err)
		}
		return retry.NewRetryableError(err)
	}
}
