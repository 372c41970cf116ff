package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekogravitycat/booking-engine/internal/app"
	availabilityHttp "github.com/nekogravitycat/booking-engine/internal/availability/http"
	"github.com/nekogravitycat/booking-engine/internal/booking"
	bookingHttp "github.com/nekogravitycat/booking-engine/internal/booking/http"
	"github.com/nekogravitycat/booking-engine/internal/ingest"
	"github.com/nekogravitycat/booking-engine/internal/outbox"
	"github.com/nekogravitycat/booking-engine/internal/pkg/response"
)

var (
	testRouter    *gin.Engine
	testContainer *app.Container
)

// Monday 2026-10-12 06:00 UTC.
var testNow = time.Date(2026, 10, 12, 6, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	testContainer = app.NewContainer(app.Config{
		JWTSecret:       "test-secret",
		JWTTTL:          30 * time.Minute,
		DefaultTimezone: time.UTC,
		Defaults:        ingest.Defaults{MinAdvanceHours: 1, MaxAdvanceDays: 30},
		RequestTimeout:  5 * time.Second,
		Now:             func() time.Time { return testNow },
	})
	testRouter = testContainer.Router

	os.Exit(m.Run())
}

func executeRequest(method, path string, body any, token string) *httptest.ResponseRecorder {
	var reqBody []byte
	if body != nil {
		reqBody, _ = json.Marshal(body)
	}

	req, _ := http.NewRequest(method, path, bytes.NewBuffer(reqBody))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	return w
}

func generateToken(t *testing.T, userID, businessID string) string {
	token, err := testContainer.JWTManager.GenerateAccessToken(userID, businessID)
	require.NoError(t, err)
	return token
}

func ingestEvent(t *testing.T, key, body string) {
	err := testContainer.IngestHandler.Apply(context.Background(), ingest.Message{RoutingKey: key, Body: []byte(body)})
	require.NoError(t, err)
}

func drainTopics(t *testing.T) []string {
	var topics []string
	_, err := testContainer.Outbox.Drain(context.Background(), 100, func(ctx context.Context, e outbox.Event) error {
		topics = append(topics, e.Topic)
		return nil
	})
	require.NoError(t, err)
	return topics
}

func TestHealth(t *testing.T) {
	w := executeRequest("GET", "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBookingFlow(t *testing.T) {
	const (
		businessID = "biz-http"
		serviceID  = "svc-http"
	)
	customerToken := generateToken(t, "cust-http", "")
	staffToken := generateToken(t, "staff-http", businessID)
	strangerToken := generateToken(t, "stranger-http", "")
	slotsPath := fmt.Sprintf("/v1/businesses/%s/services/%s/slots?date=2026-10-12", businessID, serviceID)

	var bookingID string

	t.Run("Replicate catalog", func(t *testing.T) {
		ingestEvent(t, ingest.KeyServiceCreated, fmt.Sprintf(`{
			"businessId": %q, "serviceId": %q,
			"serviceDetails": {"name": "Court", "durationMinutes": 60, "price": 3000, "currency": "USD"}
		}`, businessID, serviceID))
		ingestEvent(t, ingest.KeyAvailabilityUpdated, fmt.Sprintf(`{
			"businessId": %q, "timezone": "UTC",
			"rules": [{"dayOfWeek": "MON", "startTime": "09:00", "endTime": "17:00"}]
		}`, businessID))
	})

	t.Run("List slots", func(t *testing.T) {
		w := executeRequest("GET", slotsPath, nil, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp response.ListResponse[availabilityHttp.SlotResponse]
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Items, 8)
		assert.Equal(t, time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC), resp.Items[0].StartTime)
	})

	t.Run("Slots with invalid date", func(t *testing.T) {
		w := executeRequest("GET", fmt.Sprintf("/v1/businesses/%s/services/%s/slots?date=12-10-2026", businessID, serviceID), nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = executeRequest("GET", fmt.Sprintf("/v1/businesses/%s/services/%s/slots", businessID, serviceID), nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Slots of unknown service", func(t *testing.T) {
		w := executeRequest("GET", fmt.Sprintf("/v1/businesses/%s/services/nope/slots?date=2026-10-12", businessID), nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	createBody := bookingHttp.CreateBookingRequest{
		BusinessID: businessID,
		ServiceID:  serviceID,
		StartTime:  time.Date(2026, 10, 12, 10, 0, 0, 0, time.UTC),
	}

	t.Run("Create requires a token", func(t *testing.T) {
		w := executeRequest("POST", "/v1/bookings", createBody, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Create booking", func(t *testing.T) {
		w := executeRequest("POST", "/v1/bookings", createBody, customerToken)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp bookingHttp.BookingResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, string(booking.StatusPendingPayment), resp.Status)
		assert.Equal(t, "cust-http", resp.CustomerID)
		assert.Equal(t, createBody.StartTime.Add(time.Hour), resp.EndTime)
		bookingID = resp.ID
	})

	t.Run("Overlapping booking conflicts", func(t *testing.T) {
		body := createBody
		body.StartTime = createBody.StartTime.Add(30 * time.Minute)
		w := executeRequest("POST", "/v1/bookings", body, strangerToken)
		require.Equal(t, http.StatusConflict, w.Code)

		var resp response.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "slot_conflict", resp.Kind)
	})

	t.Run("Booked slot disappears", func(t *testing.T) {
		w := executeRequest("GET", slotsPath, nil, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp response.ListResponse[availabilityHttp.SlotResponse]
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Items, 7)
	})

	t.Run("Get booking permissions", func(t *testing.T) {
		path := "/v1/bookings/" + bookingID
		assert.Equal(t, http.StatusOK, executeRequest("GET", path, nil, customerToken).Code)
		assert.Equal(t, http.StatusOK, executeRequest("GET", path, nil, staffToken).Code)
		assert.Equal(t, http.StatusForbidden, executeRequest("GET", path, nil, strangerToken).Code)
		assert.Equal(t, http.StatusBadRequest, executeRequest("GET", "/v1/bookings/not-a-uuid", nil, customerToken).Code)
	})

	t.Run("Attach payment intent", func(t *testing.T) {
		w := executeRequest("PUT", "/v1/bookings/"+bookingID+"/payment-intent",
			bookingHttp.PaymentIntentRequest{PaymentIntentID: "pi_http"}, customerToken)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("Payment confirmation", func(t *testing.T) {
		drainTopics(t)
		body := `{"paymentIntentId": "pi_http"}`
		ingestEvent(t, ingest.KeyPaymentConfirmed, body)
		ingestEvent(t, ingest.KeyPaymentConfirmed, body)

		w := executeRequest("GET", "/v1/bookings/"+bookingID, nil, customerToken)
		var resp bookingHttp.BookingResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, string(booking.StatusConfirmed), resp.Status)
		assert.Equal(t, []string{booking.TopicConfirmed}, drainTopics(t), "redelivery emits nothing")
	})

	t.Run("List bookings", func(t *testing.T) {
		w := executeRequest("GET", "/v1/bookings?page=1&page_size=10", nil, customerToken)
		require.Equal(t, http.StatusOK, w.Code)
		var resp response.PageResponse[bookingHttp.BookingResponse]
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Total)

		w = executeRequest("GET", "/v1/bookings?status=CONFIRMED", nil, staffToken)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Total)

		w = executeRequest("GET", "/v1/bookings", nil, strangerToken)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Zero(t, resp.Total)

		w = executeRequest("GET", "/v1/bookings?status=NOPE", nil, customerToken)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Cancel booking", func(t *testing.T) {
		path := "/v1/bookings/" + bookingID + "/status"
		w := executeRequest("PATCH", path, bookingHttp.UpdateStatusRequest{Status: "CANCELLED"}, strangerToken)
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = executeRequest("PATCH", path, bookingHttp.UpdateStatusRequest{Status: "CANCELLED", Reason: "rain"}, staffToken)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp bookingHttp.BookingResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, string(booking.StatusCancelled), resp.Status)
		require.NotNil(t, resp.CancelledBy)
		assert.Equal(t, "business:staff-http", *resp.CancelledBy)

		w = executeRequest("PATCH", path, bookingHttp.UpdateStatusRequest{Status: "CANCELLED"}, customerToken)
		assert.Equal(t, http.StatusConflict, w.Code)

		w = executeRequest("PATCH", path, bookingHttp.UpdateStatusRequest{Status: "DONE"}, staffToken)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		assert.Equal(t, []string{booking.TopicCancelled}, drainTopics(t))
	})
}
