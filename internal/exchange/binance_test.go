package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       *APIError
		retryable bool
	}{
		{"invalid symbol", &APIError{Code: -1121, Status: 400}, false},
		{"insufficient balance", &APIError{Code: -2010, Status: 400}, false},
		{"unknown order", &APIError{Code: -2011, Status: 400}, false},
		{"filter failure", &APIError{Code: -1013, Status: 400}, false},
		{"rate limited", &APIError{Code: -1003, Status: http.StatusTooManyRequests}, true},
		{"server error", &APIError{Code: -1000, Status: 502}, true},
		{"other client error", &APIError{Code: -1102, Status: 400}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(errors.New("connection reset")) {
		t.Error("plain network errors must be retryable")
	}

	wrapped := fmt.Errorf("placing order: %w", &APIError{Code: -2010, Status: 400})
	if IsRetryable(wrapped) {
		t.Error("wrapped terminal API error reported retryable")
	}

	wrapped = fmt.Errorf("placing order: %w", &APIError{Code: -1003, Status: 429})
	if !IsRetryable(wrapped) {
		t.Error("wrapped rate limit error reported terminal")
	}
}

func TestSignedRequestRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"code":-1003,"msg":"too many requests"}`)
			return
		}
		fmt.Fprint(w, `{"symbol":"BTCUSDT","orderId":1,"status":"NEW"}`)
	}))
	defer srv.Close()

	c := NewBinanceClient("key", "secret", srv.URL)
	c.retryWait = time.Millisecond

	orderID, err := c.PlaceLimitBuy(context.Background(), "BTCUSDT", 100, 1)
	if err != nil {
		t.Fatalf("PlaceLimitBuy failed after retries: %v", err)
	}
	if orderID == "" {
		t.Error("no order ID returned")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 2 rate-limited attempts plus the success", got)
	}
}

func TestSignedRequestDoesNotRetryTerminalErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2010,"msg":"Account has insufficient balance"}`)
	}))
	defer srv.Close()

	c := NewBinanceClient("key", "secret", srv.URL)
	c.retryWait = time.Millisecond

	_, err := c.PlaceLimitBuy(context.Background(), "BTCUSDT", 100, 1)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != -2010 {
		t.Fatalf("err = %v, want the -2010 API error surfaced", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, terminal errors must not be retried", got)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{Code: -2010, Status: 400, Message: "Account has insufficient balance"}

	msg := err.Error()
	for _, want := range []string{"-2010", "400", "insufficient balance"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}
