// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/roomsync/coordinator/internal/v1/auth"
	"github.com/roomsync/coordinator/internal/v1/config"
	"github.com/roomsync/coordinator/internal/v1/logging"
	"github.com/roomsync/coordinator/internal/v1/metrics"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the rate limiter instances used across the HTTP and
// WebSocket surfaces.
type RateLimiter struct {
	apiGlobal     *limiter.Limiter
	apiPublic     *limiter.Limiter
	apiRooms      *limiter.Limiter
	apiMessages   *limiter.Limiter
	wsIP          *limiter.Limiter
	wsUser        *limiter.Limiter
	wsChatPerConn *limiter.Limiter
	store         limiter.Store
	redisClient   *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}
	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}
	apiMessagesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIMessages)
	if err != nil {
		return nil, fmt.Errorf("invalid API messages rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWSIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWSUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}
	// Chat events get their own per-connection throttle, tighter than the
	// general WS user rate, so one noisy tab can't drown out sync/vote
	// traffic sharing the same connection.
	wsChatRate, err := limiter.NewRateFromFormatted("20-M")
	if err != nil {
		return nil, fmt.Errorf("invalid WS chat rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled)")
	}

	return &RateLimiter{
		apiGlobal:     limiter.New(store, apiGlobalRate),
		apiPublic:     limiter.New(store, apiPublicRate),
		apiRooms:      limiter.New(store, apiRoomsRate),
		apiMessages:   limiter.New(store, apiMessagesRate),
		wsIP:          limiter.New(store, wsIPRate),
		wsUser:        limiter.New(store, wsUserRate),
		wsChatPerConn: limiter.New(store, wsChatRate),
		store:         store,
		redisClient:   redisClient,
	}, nil
}

// GlobalMiddleware returns a Gin middleware that enforces the global
// per-user (authenticated) or per-IP (public) rate limit.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter
		var key string
		var limitType string

		if claims, exists := c.Get("claims"); exists {
			userClaims := claims.(*auth.CustomClaims)
			key = userClaims.Subject
			limiterInstance = rl.apiGlobal
			limitType = "user"
		} else {
			key = c.ClientIP()
			limiterInstance = rl.apiPublic
			limitType = "ip"
		}

		ctx := c.Request.Context()
		lctx, err := limiterInstance.Get(ctx, key)
		if err != nil {
			// Fail open: availability over strict enforcement when the
			// limiter store itself is unreachable.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// MiddlewareForEndpoint returns a Gin middleware that enforces a specific
// endpoint's rate limit (e.g. room creation, message posting).
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter

		switch endpointType {
		case "rooms":
			limiterInstance = rl.apiRooms
		case "messages":
			limiterInstance = rl.apiMessages
		default:
			limiterInstance = rl.apiGlobal
		}

		var key string
		if claims, exists := c.Get("claims"); exists {
			userClaims := claims.(*auth.CustomClaims)
			key = userClaims.Subject
		} else {
			key = c.ClientIP()
		}

		ctx := c.Request.Context()
		lctx, err := limiterInstance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), endpointType).Inc()
			c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket checks whether a new WebSocket connection attempt from
// this IP should be allowed. Returns false (and writes the error response)
// if the limit has been reached.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (IP)", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// CheckWebSocketUser checks the user-specific connection-establishment
// limit. Call this after successfully authenticating the user.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	userContext, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (user)", zap.Error(err))
		return nil
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user")
	}

	return nil
}

// CheckChatEvent enforces the per-connection chat throttle described in
// SPEC_FULL's supplemented features: a connection sending chat faster than
// this gets its message dropped without tearing down the socket.
func (rl *RateLimiter) CheckChatEvent(ctx context.Context, connectionID string) bool {
	lctx, err := rl.wsChatPerConn.Get(ctx, "chat:"+connectionID)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (chat)", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("chat_message", "connection").Inc()
		return false
	}
	return true
}

// StandardMiddleware exposes the stock ulule/limiter middleware for callers
// that don't need the claims-aware key selection above.
func (rl *RateLimiter) StandardMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.apiPublic)
}
