package core

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient 构造面向上游的高性能 HTTP Client
// 不设全局超时，由每个请求的 Context 控制生命周期（流式响应可能持续很久）
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 60 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          1000,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			// 等待首字节的超时时间
			ResponseHeaderTimeout: 120 * time.Second,
		},
	}
}
