package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"trading-engine-go/core"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *restClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, newRESTClient(srv.URL, "test-key", "test-secret", srv.Client())
}

func TestDoSignsAndSetsHeaders(t *testing.T) {
	var gotQuery url.Values
	var gotKey string
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotKey = r.Header.Get("X-MBX-APIKEY")
		fmt.Fprint(w, `{}`)
	})

	if err := c.do(context.Background(), http.MethodGet, "/fapi/v1/ping", map[string]string{"symbol": "BTCUSDT"}, nil); err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotKey != "test-key" {
		t.Fatalf("api key header = %q", gotKey)
	}
	if gotQuery.Get("timestamp") == "" || gotQuery.Get("recvWindow") != "5000" {
		t.Fatalf("query = %v", gotQuery)
	}
	sig := gotQuery.Get("signature")
	if sig == "" {
		t.Fatal("signature missing")
	}

	// 重算签名：去掉 signature 后按键序拼接。
	keys := make([]string, 0, len(gotQuery))
	for k := range gotQuery {
		if k != "signature" {
			keys = append(keys, k)
		}
	}
	// 客户端按字典序写入；Encode 也按字典序。
	q := url.Values{}
	for _, k := range keys {
		q.Set(k, gotQuery.Get(k))
	}
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(q.Encode()))
	want := fmt.Sprintf("%x", mac.Sum(nil))
	if sig != want {
		t.Fatalf("signature = %s, want %s", sig, want)
	}
}

func TestDoClassifiesRateLimit(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, 418} {
		_, c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})
		err := c.do(context.Background(), http.MethodGet, "/fapi/v1/ping", nil, nil)
		if !errors.Is(err, core.ErrRateLimitExceeded) {
			t.Fatalf("status %d: err = %v, want ErrRateLimitExceeded", status, err)
		}
	}
}

func TestDoClassifiesAuthFailures(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	err := c.do(context.Background(), http.MethodGet, "/fapi/v2/account", nil, nil)
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}

	// -2015 invalid key 在 400 里也按配置错误处理。
	_, c = newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2015,"msg":"Invalid API-key"}`)
	})
	err = c.do(context.Background(), http.MethodGet, "/fapi/v2/account", nil, nil)
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestDoClassifiesVersionMismatch(t *testing.T) {
	// 版本化路径 404：API 版本不匹配，按配置错误处理，不重试。
	_, c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	err := c.do(context.Background(), http.MethodGet, "/fapi/v1/ping", nil, nil)
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestDoClassifiesServerErrors(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := c.do(context.Background(), http.MethodGet, "/fapi/v1/ping", nil, nil)
	if !errors.Is(err, core.ErrExchangeUnavailable) {
		t.Fatalf("err = %v, want ErrExchangeUnavailable", err)
	}
}

func TestDoContextCancellation(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.do(ctx, http.MethodGet, "/fapi/v1/ping", nil, nil)
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestPlaceOrderDecodesResponse(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/fapi/v1/order") {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{"orderId":42,"clientOrderId":"btcusdt-1","symbol":"BTCUSDT","status":"NEW","origQty":"1"}`)
	})
	wo, err := c.placeOrder(context.Background(), map[string]string{"symbol": "BTCUSDT"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if wo.OrderID != 42 || wo.ClientOrderID != "btcusdt-1" {
		t.Fatalf("wire order = %+v", wo)
	}
}

func TestListenKey(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"listenKey":"abc123"}`)
	})
	key, err := c.listenKey(context.Background())
	if err != nil {
		t.Fatalf("listenKey: %v", err)
	}
	if key != "abc123" {
		t.Fatalf("key = %q", key)
	}

	_, c = newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	if _, err := c.listenKey(context.Background()); !errors.Is(err, core.ErrExchangeUnavailable) {
		t.Fatalf("empty key err = %v, want ErrExchangeUnavailable", err)
	}
}
