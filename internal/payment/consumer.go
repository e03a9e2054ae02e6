package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-orders/internal/logger"
)

// ResultMessage is the payload on the payment results topic, published by
// providers that confirm asynchronously.
type ResultMessage struct {
	OrderID       string `json:"orderId"`
	AttemptID     string `json:"attemptId"`
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	ErrorType     string `json:"errorType,omitempty"`
}

type ResultHandler interface {
	HandleSuccess(ctx context.Context, orderID, attemptID, transactionID string) (*Result, error)
	HandleFailure(ctx context.Context, orderID, attemptID, errorCode, errorType string) (*Result, error)
}

// ResultConsumer routes payment results to the service.
type ResultConsumer struct {
	handler ResultHandler
	log     *logger.Logger
}

func NewResultConsumer(handler ResultHandler, log *logger.Logger) *ResultConsumer {
	return &ResultConsumer{handler: handler, log: log}
}

// Handle matches the kafka consumer's handler signature. Malformed messages
// are logged and dropped.
func (c *ResultConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	var res ResultMessage
	if err := json.Unmarshal(msg.Value, &res); err != nil {
		c.log.LogKafka("MALFORMED", msg.Topic, fmt.Sprintf("offset=%d: %v", msg.Offset, err))
		return nil
	}
	if res.OrderID == "" || res.AttemptID == "" {
		c.log.LogKafka("MALFORMED", msg.Topic, fmt.Sprintf("offset=%d: missing orderId or attemptId", msg.Offset))
		return nil
	}

	c.log.LogKafka("RECEIVED", msg.Topic, fmt.Sprintf("payment result for order %s (success=%t)", res.OrderID, res.Success))
	var err error
	if res.Success {
		_, err = c.handler.HandleSuccess(ctx, res.OrderID, res.AttemptID, res.TransactionID)
	} else {
		_, err = c.handler.HandleFailure(ctx, res.OrderID, res.AttemptID, res.ErrorCode, res.ErrorType)
	}
	return err
}
