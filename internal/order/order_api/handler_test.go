package order_api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-orders/internal/auth"
	"ms-orders/internal/config"
	"ms-orders/internal/jobs"
	"ms-orders/internal/logger"
	"ms-orders/internal/metrics"
	"ms-orders/internal/models"
	"ms-orders/internal/notify"
	"ms-orders/internal/order"
	"ms-orders/internal/order/order_api"
	"ms-orders/internal/payment"
	"ms-orders/internal/promotion"
	"ms-orders/internal/recovery"
	"ms-orders/internal/reservation"
	"ms-orders/internal/sse"
	"ms-orders/internal/store/storetest"
)

const operatorID = "operator-1"

type stubGateway struct {
	result *payment.ChargeResult
}

func (g *stubGateway) Charge(_ context.Context, req payment.ChargeRequest) (*payment.ChargeResult, error) {
	res := *g.result
	if res.Success {
		res.TransactionID = "txn_" + req.AttemptID
	}
	return &res, nil
}

type noopJob struct{}

func (noopJob) Name() string { return "noop" }

func (noopJob) Run(context.Context) (jobs.Summary, error) {
	return jobs.Summary{Scanned: 1, Processed: 1}, nil
}

type fixture struct {
	db      *bun.DB
	router  http.Handler
	machine *order.StateMachine
	gateway *stubGateway
	events  *sse.OrderEventEmitter
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gw, db := storetest.NewDB(t)
	log := logger.NewTestLogger(io.Discard)
	now := func() time.Time { return storetest.Epoch }
	m := metrics.New()

	events := sse.NewOrderEventEmitter()
	engine := reservation.NewEngine(gw, log, reservation.WithClock(now))
	machine := order.NewStateMachine(gw, engine, log, order.WithStateClock(now), order.WithNotifiers(events))
	service := order.NewService(gw, machine, engine, promotion.NewService(gw, log, now), log, now)

	gateway := &stubGateway{result: &payment.ChargeResult{Success: true}}
	payments := payment.NewService(gw, machine, engine, gateway, log, m, now, config.CheckoutConfig{
		Window:           10 * time.Minute,
		RetryWindow:      5 * time.Minute,
		DefaultPayMethod: "CREDIT_CARD",
	})
	recoveries := recovery.NewService(gw, notify.NopMailer{}, log, m, now, config.RecoveryConfig{
		MinAbandoned: 23 * time.Hour,
		MaxAbandoned: 25 * time.Hour,
		TokenTTL:     7 * 24 * time.Hour,
		AppURL:       "http://shop.test",
	})

	h := &order_api.Handler{
		OrderService:    service,
		Reservations:    engine,
		PaymentService:  payments,
		RecoveryService: recoveries,
		Events:          events,
		Jobs:            []*jobs.Controller{jobs.NewController(noopJob{}, time.Hour, log)},
		Logger:          log,
	}
	router := order_api.NewRouter(h, order_api.RouterConfig{
		Auth:        auth.Middleware(auth.UnverifiedVerifier{}, log),
		OperatorIDs: []string{operatorID},
		Metrics:     m,
	})
	return &fixture{db: db, router: router, machine: machine, gateway: gateway, events: events}
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": userID}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return "Bearer " + raw
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path, userID string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("Authorization", bearer(t, userID))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

// checkedOut drives a fresh user through add-to-cart and checkout.
func (f *fixture) checkedOut(t *testing.T) (*models.User, string) {
	t.Helper()
	user := storetest.User(t, f.db, false)
	p := storetest.Product(t, f.db, "Lamp", "15.00", 5)

	rec, _ := f.do(t, http.MethodPost, "/api/cart/items", user.ID, models.AddItemRequest{ProductID: p.ID, Quantity: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env := f.do(t, http.MethodPost, "/api/checkout", user.ID, models.CheckoutRequest{PaymentMethod: "CREDIT_CARD"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res order.CheckoutResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Equal(t, models.StatusCheckout, res.Order.Status)
	return user, res.Order.ID
}

func TestHealthAndMetrics(t *testing.T) {
	f := setup(t)

	rec, env := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	f.do(t, http.MethodGet, "/api/cart", "", nil)
	rec, _ = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orders_http_requests_total")
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	f := setup(t)
	rec, env := f.do(t, http.MethodGet, "/api/cart", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, env.Success)
}

func TestCartCheckoutAndPay(t *testing.T) {
	f := setup(t)
	user, orderID := f.checkedOut(t)

	// The cart is gone; a repeated checkout returns the same order.
	rec, env := f.do(t, http.MethodPost, "/api/checkout", user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var again order.CheckoutResult
	require.NoError(t, json.Unmarshal(env.Data, &again))
	assert.True(t, again.Idempotent)
	assert.Equal(t, orderID, again.Order.ID)

	rec, _ = f.do(t, http.MethodGet, "/api/checkout", user.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/api/orders/"+orderID+"/reservations", user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var held []models.ReservationDetail
	require.NoError(t, json.Unmarshal(env.Data, &held))
	assert.Len(t, held, 1)

	rec, env = f.do(t, http.MethodPost, "/api/orders/"+orderID+"/payment", user.ID, models.PaymentRequest{PaymentMethodID: "pm_card_visa"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var paid payment.Result
	require.NoError(t, json.Unmarshal(env.Data, &paid))
	assert.True(t, paid.Success)

	rec, env = f.do(t, http.MethodGet, "/api/orders/"+orderID, user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var o models.Order
	require.NoError(t, json.Unmarshal(env.Data, &o))
	assert.Equal(t, models.StatusPaid, o.Status)
	assert.Equal(t, "txn_"+paid.AttemptID, o.PaymentID)

	rec, env = f.do(t, http.MethodGet, "/api/orders/"+orderID+"/audit", user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit []models.OrderStateAudit
	require.NoError(t, json.Unmarshal(env.Data, &audit))
	require.Len(t, audit, 2)
	assert.ElementsMatch(t,
		[]models.OrderStatus{models.StatusCheckout, models.StatusPaid},
		[]models.OrderStatus{audit[0].ToState, audit[1].ToState})

	rec, env = f.do(t, http.MethodGet, "/api/orders/"+orderID+"/payments", user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var attempts []models.PaymentAttempt
	require.NoError(t, json.Unmarshal(env.Data, &attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptSuccess, attempts[0].Status)
}

func TestDeclinedPaymentCancelsOrder(t *testing.T) {
	f := setup(t)
	user, orderID := f.checkedOut(t)
	f.gateway.result = &payment.ChargeResult{ErrorCode: "card_declined", ErrorType: payment.CardDeclined}

	rec, env := f.do(t, http.MethodPost, "/api/orders/"+orderID+"/payment", user.ID, models.PaymentRequest{PaymentMethodID: "pm_card_visa"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	assert.False(t, env.Success)
	assert.Equal(t, payment.CardDeclined, env.Error)

	assert.Equal(t, models.StatusCancelled, storetest.ReloadOrder(t, f.db, orderID).Status)
}

func TestOrderRoutesCheckOwnership(t *testing.T) {
	f := setup(t)
	_, orderID := f.checkedOut(t)

	for _, path := range []string{"/api/orders/" + orderID, "/api/orders/" + orderID + "/audit", "/api/orders/" + orderID + "/reservations"} {
		rec, env := f.do(t, http.MethodGet, path, "intruder", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Equal(t, "FORBIDDEN", env.Error, path)
	}

	rec, _ := f.do(t, http.MethodDelete, "/api/orders/"+orderID, "intruder", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, models.StatusCheckout, storetest.ReloadOrder(t, f.db, orderID).Status)

	rec, env := f.do(t, http.MethodGet, "/api/orders/missing", "intruder", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", env.Error)
}

func TestDeleteOrderReleasesStock(t *testing.T) {
	f := setup(t)
	user, orderID := f.checkedOut(t)

	rec, _ := f.do(t, http.MethodDelete, "/api/orders/"+orderID, user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusCancelled, storetest.ReloadOrder(t, f.db, orderID).Status)
	for _, r := range storetest.Reservations(t, f.db, orderID) {
		assert.Equal(t, models.ReservationReleased, r.Status)
	}

	// Cancelled is terminal.
	rec, env := f.do(t, http.MethodPost, "/api/orders/"+orderID+"/payment", user.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PAYMENT_ORDER", env.Error)
}

func TestExtendReservations(t *testing.T) {
	f := setup(t)
	user, orderID := f.checkedOut(t)
	before := storetest.Reservations(t, f.db, orderID)[0].ExpiresAt

	rec, _ := f.do(t, http.MethodPost, "/api/orders/"+orderID+"/reservations/extend", user.ID, map[string]int64{"additionalMs": 60000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	after := storetest.Reservations(t, f.db, orderID)[0].ExpiresAt
	assert.Equal(t, time.Minute, after.Sub(before))
}

func TestAdminRoutesNeedOperator(t *testing.T) {
	f := setup(t)

	rec, env := f.do(t, http.MethodGet, "/api/admin/jobs", "customer", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", env.Error)

	rec, env = f.do(t, http.MethodGet, "/api/admin/jobs", operatorID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []jobs.Status
	require.NoError(t, json.Unmarshal(env.Data, &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "noop", statuses[0].Name)

	rec, _ = f.do(t, http.MethodPost, "/api/admin/jobs/missing/run", operatorID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = f.do(t, http.MethodPost, "/api/admin/jobs/noop/run", operatorID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run struct {
		Ran    bool        `json:"ran"`
		Status jobs.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.True(t, run.Ran)
	assert.Equal(t, int64(1), run.Status.Runs)
	assert.Equal(t, 1, run.Status.LastSummary.Processed)
}

func TestOperatorTransition(t *testing.T) {
	f := setup(t)
	user, orderID := f.checkedOut(t)
	rec, _ := f.do(t, http.MethodPost, "/api/orders/"+orderID+"/payment", user.ID, models.PaymentRequest{PaymentMethodID: "pm_card_visa"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	path := "/api/admin/orders/" + orderID + "/transition"
	rec, _ = f.do(t, http.MethodPost, path, operatorID, models.TransitionRequest{ToState: models.StatusPreparing, Reason: "PICKING"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var preparing *models.OrderStateAudit
	for _, a := range storetest.Audit(t, f.db, orderID) {
		if a.ToState == models.StatusPreparing {
			a := a
			preparing = &a
		}
	}
	require.NotNil(t, preparing)
	assert.Equal(t, operatorID, preparing.Actor)
	assert.Equal(t, "PICKING", preparing.Reason)

	rec, env := f.do(t, http.MethodPost, path, operatorID, models.TransitionRequest{ToState: models.StatusCart})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", env.Error)
}

func TestRecoverCartRoute(t *testing.T) {
	f := setup(t)
	user := storetest.User(t, f.db, true)
	cart := storetest.Order(t, f.db, user.ID, models.StatusCart)
	_, err := f.db.NewUpdate().Model((*models.Order)(nil)).
		Set("recovery_email_sent = ?", true).
		Set("recovery_token = ?", "tok-123").
		Set("recovery_token_expires_at = ?", storetest.Epoch.Add(time.Hour)).
		Where("id = ?", cart.ID).
		Exec(context.Background())
	require.NoError(t, err)

	rec, env := f.do(t, http.MethodGet, "/api/recovery/tok-123", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got recovery.Recovered
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, cart.ID, got.Cart.ID)

	rec, env = f.do(t, http.MethodGet, "/api/recovery/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TOKEN_INVALID", env.Error)
}

func TestRecoveryStatsRejectsBadRange(t *testing.T) {
	f := setup(t)

	rec, _ := f.do(t, http.MethodGet, "/api/admin/recovery/stats?from=yesterday", operatorID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := f.do(t, http.MethodGet, "/api/admin/recovery/stats?from=2025-01-01T00:00:00Z", operatorID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats recovery.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Zero(t, stats.Sent)
}

func TestOrderEventsStream(t *testing.T) {
	f := setup(t)
	user, orderID := f.checkedOut(t)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/orders/"+orderID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", bearer(t, user.ID))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := lines.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				return name, data
			}
		}
	}

	name, _ := readEvent()
	require.Equal(t, "connected", name)
	require.Eventually(t, func() bool { return f.events.ClientCount(orderID) == 1 }, time.Second, 10*time.Millisecond)

	_, err = f.machine.Transition(context.Background(), orderID, models.StatusCancelled, order.ReasonUserCancelled, user.ID)
	require.NoError(t, err)

	name, data := readEvent()
	assert.Equal(t, "transition", name)
	var ev sse.OrderEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, models.StatusCheckout, ev.From)
	assert.Equal(t, models.StatusCancelled, ev.To)
}
