package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.Jobs.ReservationExpiryInterval)
	assert.Equal(t, 60*time.Second, cfg.Jobs.StateTimeoutInterval)
	assert.Equal(t, 5*time.Minute, cfg.Jobs.AbandonedCartInterval)
	assert.Equal(t, 15*time.Minute, cfg.Jobs.CheckoutTimeout)
	assert.Equal(t, 48*time.Hour, cfg.Jobs.PreparingAlertAfter)
	assert.Equal(t, 10*time.Minute, cfg.Reservation.DefaultDuration)
	assert.Equal(t, 15*time.Minute, cfg.Reservation.MethodDurations["CREDIT_CARD"])
	assert.Equal(t, time.Hour, cfg.Reservation.MethodDurations["BANK_TRANSFER"])
	assert.Equal(t, 5*time.Minute, cfg.Reservation.MethodDurations["WALLET"])
	assert.Equal(t, 10*time.Minute, cfg.Checkout.Window)
	assert.Equal(t, 5*time.Minute, cfg.Checkout.RetryWindow)
	assert.Equal(t, 23*time.Hour, cfg.Recovery.MinAbandoned)
	assert.Equal(t, 25*time.Hour, cfg.Recovery.MaxAbandoned)
	assert.Equal(t, 100, cfg.Recovery.BatchSize)
	assert.Equal(t, "payments.results", cfg.Kafka.Topics.PaymentResults)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JOB_RESERVATION_EXPIRY_INTERVAL", "5s")
	t.Setenv("CHECKOUT_TIMEOUT", "20m")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("JOBS_ENABLED", "false")
	t.Setenv("RECOVERY_BATCH_SIZE", "25")

	cfg := Load()

	assert.Equal(t, 5*time.Second, cfg.Jobs.ReservationExpiryInterval)
	assert.Equal(t, 20*time.Minute, cfg.Jobs.CheckoutTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Jobs.Enabled)
	assert.Equal(t, 25, cfg.Recovery.BatchSize)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("JOB_STATE_TIMEOUT_INTERVAL", "soon")
	t.Setenv("JOB_BATCH_SIZE", "many")
	t.Setenv("REDIS_ENABLED", "maybe")

	cfg := Load()

	assert.Equal(t, 60*time.Second, cfg.Jobs.StateTimeoutInterval)
	assert.Equal(t, 500, cfg.Jobs.BatchSize)
	assert.True(t, cfg.Redis.Enabled)
}
