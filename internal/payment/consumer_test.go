package payment_test

import (
	"context"
	"io"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"ms-orders/internal/logger"
	"ms-orders/internal/payment"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) HandleSuccess(ctx context.Context, orderID, attemptID, transactionID string) (*payment.Result, error) {
	args := m.Called(ctx, orderID, attemptID, transactionID)
	return nil, args.Error(0)
}

func (m *mockHandler) HandleFailure(ctx context.Context, orderID, attemptID, errorCode, errorType string) (*payment.Result, error) {
	args := m.Called(ctx, orderID, attemptID, errorCode, errorType)
	return nil, args.Error(0)
}

func TestResultConsumerRoutes(t *testing.T) {
	h := &mockHandler{}
	c := payment.NewResultConsumer(h, logger.NewTestLogger(io.Discard))
	ctx := context.Background()

	h.On("HandleSuccess", ctx, "o-1", "a-1", "txn").Return(nil).Once()
	err := c.Handle(ctx, kafka.Message{Value: []byte(`{"orderId":"o-1","attemptId":"a-1","success":true,"transactionId":"txn"}`)})
	assert.NoError(t, err)

	h.On("HandleFailure", ctx, "o-2", "a-2", "E1", "CARD_DECLINED").Return(nil).Once()
	err = c.Handle(ctx, kafka.Message{Value: []byte(`{"orderId":"o-2","attemptId":"a-2","success":false,"errorCode":"E1","errorType":"CARD_DECLINED"}`)})
	assert.NoError(t, err)

	h.AssertExpectations(t)
}

func TestResultConsumerSkipsMalformed(t *testing.T) {
	h := &mockHandler{}
	c := payment.NewResultConsumer(h, logger.NewTestLogger(io.Discard))

	assert.NoError(t, c.Handle(context.Background(), kafka.Message{Value: []byte(`not json`)}))
	assert.NoError(t, c.Handle(context.Background(), kafka.Message{Value: []byte(`{"success":true}`)}))
	h.AssertNotCalled(t, "HandleSuccess", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
