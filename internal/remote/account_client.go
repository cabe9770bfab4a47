package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"canteenpay/internal/config"
)

var (
	// ErrRemoteUnavailable 远端账户服务不可用（超时/网络错误/5xx）
	// 调用方不得同步重试，必须落补偿记录走异步管道
	ErrRemoteUnavailable = errors.New("账户服务不可用")

	// ErrRemoteRejected 远端明确拒绝（业务错误，如余额不足），不进补偿管道
	ErrRemoteRejected = errors.New("账户服务拒绝操作")
)

// BalanceChangeRequest 远端余额变动请求
// BusinessNo 是幂等键，远端按单号去重，同一单号重放不会重复入账
type BalanceChangeRequest struct {
	UserID     int64  `json:"user_id"`
	Amount     int64  `json:"amount"` // 分，恒为正
	BizType    string `json:"biz_type"`
	BusinessNo string `json:"business_no"`
	Remark     string `json:"remark"`
}

type BalanceChangeResult struct {
	TransactionNo string `json:"transaction_no"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	Delta         int64  `json:"delta"`
}

// AccountClient 远端账户服务接口
// 补偿任务和消费链路都通过这个接口调用，测试注入失败实现
type AccountClient interface {
	IncreaseBalance(ctx context.Context, req *BalanceChangeRequest) (*BalanceChangeResult, error)
	DecreaseBalance(ctx context.Context, req *BalanceChangeRequest) (*BalanceChangeResult, error)
}

type httpAccountClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAccountClient 创建 HTTP 账户服务客户端
// 超时显式配置：卡死的远端调用按失败处理进补偿，绝不无限挂起
func NewHTTPAccountClient(cfg *config.RemoteConfig) AccountClient {
	return &httpAccountClient{
		baseURL: cfg.BaseURL,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

type remoteResponse struct {
	Code    int                  `json:"code"`
	Message string               `json:"message"`
	Data    *BalanceChangeResult `json:"data"`
}

func (c *httpAccountClient) IncreaseBalance(ctx context.Context, req *BalanceChangeRequest) (*BalanceChangeResult, error) {
	return c.post(ctx, "/api/v1/balance/increase", req)
}

func (c *httpAccountClient) DecreaseBalance(ctx context.Context, req *BalanceChangeRequest) (*BalanceChangeResult, error) {
	return c.post(ctx, "/api/v1/balance/decrease", req)
}

func (c *httpAccountClient) post(ctx context.Context, path string, body *BalanceChangeRequest) (*BalanceChangeResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// 超时和网络错误统一归类为服务不可用
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: 请求超时", ErrRemoteUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	var result remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: 解析响应失败: %v", ErrRemoteUnavailable, err)
	}

	if result.Code != 0 {
		return nil, fmt.Errorf("%w: [%d] %s", ErrRemoteRejected, result.Code, result.Message)
	}

	return result.Data, nil
}
