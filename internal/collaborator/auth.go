package collaborator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mewp-telemetry/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	// ErrMissingToken 未提供 token
	ErrMissingToken = errors.New("missing token")
	// ErrRejected 认证服务拒绝
	ErrRejected = errors.New("credentials rejected")
	// ErrMissingIdentity 信任模式下未声明身份
	ErrMissingIdentity = errors.New("missing claimed identity")
)

// verifyRequest POST /verify 请求体
type verifyRequest struct {
	Token string `json:"token"`
}

// verifyResponse 认证服务响应
type verifyResponse struct {
	Valid bool            `json:"valid"`
	User  models.Identity `json:"user"`
	Error string          `json:"error,omitempty"`
}

// AuthClient 外部认证服务客户端
type AuthClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewAuthClient 创建认证客户端
func NewAuthClient(baseURL string, timeout time.Duration, logger *zap.Logger) *AuthClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &AuthClient{httpClient: client, logger: logger}
}

// Verify 校验 token，返回认证服务签发的身份
func (c *AuthClient) Verify(ctx context.Context, creds models.Credentials) (models.Identity, error) {
	if creds.Token == "" {
		return models.Identity{}, ErrMissingToken
	}

	var response verifyResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(creds.Token).
		SetBody(verifyRequest{Token: creds.Token}).
		SetResult(&response).
		SetError(&response).
		Post("/verify")
	if err != nil {
		c.logger.Error("Auth service call failed", zap.Error(err))
		return models.Identity{}, fmt.Errorf("failed to call auth service: %w", err)
	}

	if resp.IsError() || !response.Valid {
		c.logger.Info("Auth service rejected token",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("reason", response.Error),
		)
		return models.Identity{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode())
	}
	if response.User.UserID == "" {
		return models.Identity{}, fmt.Errorf("%w: identity without id", ErrRejected)
	}
	return response.User, nil
}

// TrustedClaims 本地开发用：直接采用客户端声明的身份
type TrustedClaims struct{}

func (TrustedClaims) Verify(_ context.Context, creds models.Credentials) (models.Identity, error) {
	if creds.Claimed == nil || creds.Claimed.UserID == "" {
		return models.Identity{}, ErrMissingIdentity
	}
	return *creds.Claimed, nil
}
