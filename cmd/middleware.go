package main

import (
	"strings"
	"sync"
	"time"

	"gemini-gateway/core"
	"gemini-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Goog-Api-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// extractToken 依次从 Authorization Bearer、x-goog-api-key、x-api-key、query key 取鉴权令牌
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return authHeader[7:]
	}
	if authHeader != "" {
		return authHeader
	}
	if token := c.GetHeader("x-goog-api-key"); token != "" {
		return token
	}
	if token := c.GetHeader("x-api-key"); token != "" {
		return token
	}
	return c.Query("key")
}

// verifyGatewayToken 业务接口鉴权
// ALLOWED_TOKENS 为逗号分隔的令牌列表；未配置时不开启鉴权
func verifyGatewayToken(settings core.SettingsReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, ok := settings.GetSetting("ALLOWED_TOKENS")
		if !ok || strings.TrimSpace(allowed) == "" {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(401, models.ErrorResponse{
				Error: models.ErrorDetail{
					Message: "Missing authentication token. Provide it via Authorization header (Bearer <token>), x-goog-api-key header, or ?key=<token>",
					Type:    "authentication_error",
				},
			})
			return
		}

		for _, candidate := range strings.Split(allowed, ",") {
			if token == strings.TrimSpace(candidate) {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(401, models.ErrorResponse{
			Error: models.ErrorDetail{
				Message: "Invalid authentication token",
				Type:    "authentication_error",
			},
		})
	}
}

// AdminAuthMiddleware 管理接口鉴权，ADMIN_TOKEN 未配置时拒绝所有请求
func AdminAuthMiddleware(settings core.SettingsReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}

		adminToken, ok := settings.GetSetting("ADMIN_TOKEN")
		if !ok || adminToken == "" {
			c.AbortWithStatusJSON(403, models.ErrorResponse{
				Error: models.ErrorDetail{
					Message: "Admin API disabled: ADMIN_TOKEN is not configured",
					Type:    "authentication_error",
				},
			})
			return
		}

		if extractToken(c) != adminToken {
			c.AbortWithStatusJSON(401, models.ErrorResponse{
				Error: models.ErrorDetail{
					Message: "Invalid admin token",
					Type:    "authentication_error",
				},
			})
			return
		}

		c.Next()
	}
}

// client 包装限流器及其最后访问时间
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 带自动清理的按 IP 限流器
type IPRateLimiter struct {
	clients map[string]*client
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	i := &IPRateLimiter{
		clients: make(map[string]*client),
		rate:    r,
		burst:   b,
	}
	go i.cleanupClients()
	return i
}

// GetLimiter 获取或创建 IP 对应的限流器，并更新访问时间
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	c, exists := i.clients[ip]
	if !exists {
		c = &client{limiter: rate.NewLimiter(i.rate, i.burst)}
		i.clients[ip] = c
	}

	c.lastSeen = time.Now()
	return c.limiter
}

// cleanupClients 每分钟清理一次超过 3 分钟未活跃的 IP
func (i *IPRateLimiter) cleanupClients() {
	for {
		time.Sleep(time.Minute)
		i.mu.Lock()
		for ip, c := range i.clients {
			if time.Since(c.lastSeen) > 3*time.Minute {
				delete(i.clients, ip)
			}
		}
		i.mu.Unlock()
	}
}

// 全局限流器实例 (每秒 20 次请求，突发 40 次)
var globalLimiter = NewIPRateLimiter(20, 40)

// RateLimitMiddleware IP 限流中间件
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !globalLimiter.GetLimiter(clientIP).Allow() {
			logrus.Warnf("Rate limit exceeded for IP: %s", clientIP)
			c.AbortWithStatusJSON(429, models.ErrorResponse{
				Error: models.ErrorDetail{
					Message: "Too Many Requests",
					Type:    "rate_limit_error",
				},
			})
			return
		}

		c.Next()
	}
}
