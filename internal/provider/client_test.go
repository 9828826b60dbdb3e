package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"wheel-screener/internal/market"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
}

func TestQuoteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "AAPL" {
			t.Fatalf("symbol 参数不正确: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"quote":{"symbol":"AAPL","type":"stock","last":100.0,"bid":99.5,"ask":100.5,"volume":1000,"iv_rank":40.0,"quote_date":"2026-08-23T14:00:00Z"}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second, Retry: fastRetry(1)}, noopLogger())

	raw, err := c.Quote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if raw.Bid == nil || *raw.Bid != 99.5 {
		t.Fatalf("bid 应为 99.5, 实际 %#v", raw.Bid)
	}
	if raw.Volume == nil || *raw.Volume != 1000 {
		t.Fatalf("volume 应为 1000, 实际 %#v", raw.Volume)
	}
	if raw.QuoteDate == nil {
		t.Fatal("quote_date 应被解析")
	}
	if raw.Kind != "stock" {
		t.Fatalf("kind 应为 stock, 实际 %s", raw.Kind)
	}
}

func TestQuoteAbsentFieldsStayNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quote":{"symbol":"SPX","type":"index","last":5000.0}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second, Retry: fastRetry(1)}, noopLogger())

	raw, err := c.Quote(context.Background(), "SPX")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw.Bid != nil || raw.Ask != nil || raw.Volume != nil {
		t.Fatal("absent upstream fields must stay nil, never zero")
	}
	if raw.Last == nil || *raw.Last != 5000.0 {
		t.Fatalf("last 应为 5000, 实际 %#v", raw.Last)
	}
}

func TestQuoteDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"unknown symbol"}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second, Retry: fastRetry(3)}, noopLogger())

	_, err := c.Quote(context.Background(), "NOPE")
	if err == nil {
		t.Fatal("HTTP 404 应返回错误")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected APIError 404, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("404 不应重试, 实际请求 %d 次", calls.Load())
	}
}

func TestQuoteRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"quote":{"symbol":"AAPL","type":"stock","last":100.0}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second, Retry: fastRetry(3)}, noopLogger())

	if _, err := c.Quote(context.Background(), "AAPL"); err != nil {
		t.Fatalf("第三次尝试应成功: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestQuoteDoesNotRetryMalformedBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"quote":{"symbol":"AAPL"`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second, Retry: fastRetry(3)}, noopLogger())

	_, err := c.Quote(context.Background(), "AAPL")
	if err == nil {
		t.Fatal("截断的 JSON 应返回错误")
	}
	if !errors.Is(err, errMalformedPayload) {
		t.Fatalf("expected malformed payload classification, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("畸形响应体不应重试, 实际请求 %d 次", calls.Load())
	}
}

func TestExpirations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"expirations":{"date":["2026-09-18","2026-10-16"]}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second, Retry: fastRetry(1)}, noopLogger())

	dates, err := c.Expirations(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("expected 2 dates, got %d", len(dates))
	}
	if !dates[0].Equal(time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("first expiration wrong: %s", dates[0])
	}
}

func TestExpirationsMalformedDateFailsWholeCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"expirations":{"date":["2026-09-18","not-a-date"]}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second, Retry: fastRetry(1)}, noopLogger())

	if _, err := c.Expirations(context.Background(), "AAPL"); err == nil {
		t.Fatal("畸形日期应让整个调用失败")
	}
}

func TestChainNormalisesAndDerives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"options":{"option":[
			{"symbol":"AAPL260918P00095000","strike":95,"expiration_date":"2026-09-18","option_type":"put","bid":2.5,"ask":2.6,"open_interest":800,"volume":12,"greeks":{"delta":-32}},
			{"symbol":"AAPL260918P00090000","strike":90,"expiration_date":"2026-09-18","option_type":"put","bid":1.2,"ask":1.3},
			{"symbol":"garbage-row","expiration_date":"2026-09-18","option_type":"put"}
		]}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second, Retry: fastRetry(1)}, noopLogger())

	contracts, err := c.Chain(context.Background(), "AAPL", time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contracts) != 2 {
		t.Fatalf("identity-less rows must be dropped; got %d contracts", len(contracts))
	}

	first := contracts[0]
	if !first.Delta.Usable() || first.Delta.Value != -0.32 {
		t.Fatalf("percent delta 应归一化为 -0.32, 实际 %#v", first.Delta)
	}
	if first.Delta.Reason == "" {
		t.Fatal("normalised delta should record how it was produced")
	}
	if !first.Mid.Usable() || first.Mid.Quality != market.QualityDerived {
		t.Fatalf("mid should be derived, got %#v", first.Mid)
	}
	if !first.Mid.Value.Equal(decimalFromString(t, "2.55")) {
		t.Fatalf("mid 应为 2.55, 实际 %s", first.Mid.Value)
	}
	if !first.SpreadPct.Usable() {
		t.Fatalf("spread should be usable, got %#v", first.SpreadPct)
	}

	second := contracts[1]
	if second.Delta.Usable() {
		t.Fatal("missing greeks must yield a MISSING delta")
	}
	if second.OpenInterest.Usable() {
		t.Fatal("absent open interest must be MISSING, not zero")
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Options{
		BaseURL:          srv.URL,
		Timeout:          time.Second,
		Retry:            fastRetry(1),
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	}, noopLogger())

	ctx := context.Background()
	if _, err := c.Quote(ctx, "AAPL"); err == nil {
		t.Fatal("expected first failure")
	}
	if _, err := c.Quote(ctx, "AAPL"); err == nil {
		t.Fatal("expected second failure")
	}
	if !c.Degraded() {
		t.Fatal("两次连续失败后断路器应打开")
	}

	_, err := c.Quote(ctx, "AAPL")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open-circuit error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("open circuit must not reach upstream; calls=%d", calls.Load())
	}
}
