// Package binance is the reference Adapter implementation: Binance USDⓈ-M
// futures over signed REST plus combined-stream websocket. All wire shapes
// stay inside this package; everything exported speaks canonical entities.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"trading-engine-go/core"
)

const (
	DefaultRESTEndpoint = "https://fapi.binance.com"
	DefaultWSEndpoint   = "wss://fstream.binance.com"

	// apiVersion 该适配器编写时对应的最低 REST API 版本。
	apiVersion = "v1"
)

// restClient 可签名的简化客户端；HTTPClient 可注入 httptest，默认不发起
// 真实网络调用。
type restClient struct {
	baseURL    string
	apiKey     string
	secret     string
	recvWindow int64
	httpClient *http.Client
}

func newRESTClient(baseURL, apiKey, secret string, httpClient *http.Client) *restClient {
	if baseURL == "" {
		baseURL = DefaultRESTEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &restClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		secret:     secret,
		recvWindow: 5000,
		httpClient: httpClient,
	}
}

// signParams 组装查询串并计算 HMAC-SHA256 签名。键排序保证签名稳定。
func (c *restClient) signParams(params map[string]string) string {
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	if c.recvWindow > 0 {
		params["recvWindow"] = strconv.FormatInt(c.recvWindow, 10)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params[k]))
	}
	query := sb.String()
	h := hmac.New(sha256.New, []byte(c.secret))
	h.Write([]byte(query))
	return query + "&signature=" + fmt.Sprintf("%x", h.Sum(nil))
}

// apiError binance 错误响应体。
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// do 发送签名请求并分类错误：429/418 → RateLimitExceeded，5xx 和网络
// 错误 → ExchangeUnavailable，401/404/-2015 → Configuration（鉴权或
// API 版本不匹配，致命）。
func (c *restClient) do(ctx context.Context, method, path string, params map[string]string, out interface{}) error {
	if params == nil {
		params = map[string]string{}
	}
	endpoint := c.baseURL + path + "?" + c.signParams(params)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, core.ErrTimeout)
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, core.ErrExchangeUnavailable)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		return fmt.Errorf("%s %s status %d: %w", method, path, resp.StatusCode, core.ErrRateLimitExceeded)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s auth rejected: %w", method, path, core.ErrConfiguration)
	case resp.StatusCode == http.StatusNotFound:
		// 版本化路径 404 意味着 API 版本不匹配，不重试。
		return fmt.Errorf("%s %s status 404: %w", method, path, core.ErrConfiguration)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s status %d: %w", method, path, resp.StatusCode, core.ErrExchangeUnavailable)
	case resp.StatusCode >= 300:
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		if ae.Code == -2015 || ae.Code == -2014 { // invalid key / bad signature
			return fmt.Errorf("%s %s: %s: %w", method, path, ae.Msg, core.ErrConfiguration)
		}
		return fmt.Errorf("%s %s status %d code %d: %s", method, path, resp.StatusCode, ae.Code, ae.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// ---- endpoints ----

func (c *restClient) ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/fapi/"+apiVersion+"/ping", nil, nil)
}

func (c *restClient) placeOrder(ctx context.Context, params map[string]string) (wireOrder, error) {
	var wo wireOrder
	err := c.do(ctx, http.MethodPost, "/fapi/"+apiVersion+"/order", params, &wo)
	return wo, err
}

func (c *restClient) cancelOrder(ctx context.Context, symbol, clientOrderID string) (wireOrder, error) {
	var wo wireOrder
	err := c.do(ctx, http.MethodDelete, "/fapi/"+apiVersion+"/order", map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	}, &wo)
	return wo, err
}

func (c *restClient) modifyOrder(ctx context.Context, params map[string]string) (wireOrder, error) {
	var wo wireOrder
	err := c.do(ctx, http.MethodPut, "/fapi/"+apiVersion+"/order", params, &wo)
	return wo, err
}

func (c *restClient) account(ctx context.Context) (wireAccount, error) {
	var wa wireAccount
	err := c.do(ctx, http.MethodGet, "/fapi/v2/account", nil, &wa)
	return wa, err
}

// listenKey 创建用户数据流的 listen key。
func (c *restClient) listenKey(ctx context.Context) (string, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.do(ctx, http.MethodPost, "/fapi/"+apiVersion+"/listenKey", nil, &out); err != nil {
		return "", err
	}
	if out.ListenKey == "" {
		return "", fmt.Errorf("empty listenKey: %w", core.ErrExchangeUnavailable)
	}
	return out.ListenKey, nil
}

func (c *restClient) keepAliveListenKey(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/fapi/"+apiVersion+"/listenKey", nil, nil)
}
