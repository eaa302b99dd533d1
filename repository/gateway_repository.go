package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"seckill_mall/config"
)

// PayGatewayClient 外部支付网关HTTP客户端
// 网关的签名、验签与具体支付协议在网关服务内部处理，
// 本客户端只消费预支付与退款两个REST操作
type PayGatewayClient struct {
	baseURL string       // 网关服务地址
	client  *http.Client // HTTP客户端
}

// NewPayGatewayClient 创建支付网关客户端实例
func NewPayGatewayClient() *PayGatewayClient {
	cfg := config.AppConfig.Gateway
	return &PayGatewayClient{
		baseURL: cfg.BaseURL,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// prepayRequest 预支付请求体
type prepayRequest struct {
	OutTradeNo  string  `json:"out_trade_no"` // 商户订单号
	TotalAmount float64 `json:"total_amount"` // 支付金额
	Subject     string  `json:"subject"`      // 订单标题
}

// prepayResponse 预支付应答体
type prepayResponse struct {
	Code     int    `json:"code"`     // 0表示成功
	Msg      string `json:"msg"`      // 结果描述
	Redirect string `json:"redirect"` // 收银台跳转载荷
}

// refundRequest 退款请求体
type refundRequest struct {
	OutTradeNo   string  `json:"out_trade_no"`  // 商户订单号
	RefundAmount float64 `json:"refund_amount"` // 退款金额
	RefundReason string  `json:"refund_reason"` // 退款原因
}

// refundResponse 退款应答体
type refundResponse struct {
	Code int    `json:"code"` // 0表示成功
	Msg  string `json:"msg"`  // 结果描述
}

// Prepay 创建预支付单，返回收银台跳转载荷
func (g *PayGatewayClient) Prepay(ctx context.Context, orderNo string, amount float64, subject string) (string, error) {
	var resp prepayResponse
	err := g.post(ctx, "/pay/prepay", &prepayRequest{
		OutTradeNo:  orderNo,
		TotalAmount: amount,
		Subject:     subject,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("gateway prepay rejected: %s", resp.Msg)
	}

	slog.Info("Gateway prepay created",
		"out_trade_no", orderNo,
		"amount", amount,
	)
	return resp.Redirect, nil
}

// Refund 同步退款
func (g *PayGatewayClient) Refund(ctx context.Context, outTradeNo string, amount float64, reason string) (bool, error) {
	var resp refundResponse
	err := g.post(ctx, "/pay/refund", &refundRequest{
		OutTradeNo:   outTradeNo,
		RefundAmount: amount,
		RefundReason: reason,
	}, &resp)
	if err != nil {
		return false, err
	}
	if resp.Code != 0 {
		slog.Warn("Gateway refund rejected",
			"out_trade_no", outTradeNo,
			"msg", resp.Msg,
		)
		return false, nil
	}

	slog.Info("Gateway refund completed",
		"out_trade_no", outTradeNo,
		"amount", amount,
	)
	return true, nil
}

// post 发送JSON请求并解析应答
func (g *PayGatewayClient) post(ctx context.Context, path string, reqBody, respBody any) error {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal gateway request failed: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("build gateway request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode gateway response failed: %v", err)
	}
	return nil
}
