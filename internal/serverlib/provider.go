package serverlib

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/google/uuid"
)

// ProviderLink 是计算域到 SP 的通道
type ProviderLink interface {
	// CheckSnapshot 询问会话建立时的主体值是否仍然有效
	CheckSnapshot(ctx context.Context, requestID uuid.UUID, digest string) (bool, error)
	// ForwardChallenge 把客户端的应答交给 SP 校验
	ForwardChallenge(ctx context.Context, requestID uuid.UUID, secureCode string) (bool, error)
	NotifyOutcome(ctx context.Context, requestID uuid.UUID, notice restfulpayload.OutcomeNotice) error
}

const (
	SnapshotEndpoint  = "snapshot"
	ChallengeEndpoint = "challenge"
	OutcomeEndpoint   = "outcome"
)

// ProviderClient 通过 HTTP 实现 ProviderLink
type ProviderClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewProviderClient(baseURL string, timeout time.Duration) *ProviderClient {
	return &ProviderClient{BaseURL: baseURL, HTTP: &http.Client{Timeout: timeout}}
}

func (p *ProviderClient) CheckSnapshot(ctx context.Context, requestID uuid.UUID, digest string) (bool, error) {
	target, err := restfulpayload.JoinURL(p.BaseURL, SnapshotEndpoint, requestID.String())
	if err != nil {
		return false, err
	}
	target += "?" + url.Values{"digest": {digest}}.Encode()

	var resp restfulpayload.SnapshotResp
	if err = restfulpayload.DoJSON(ctx, p.HTTP, http.MethodGet, target, nil, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (p *ProviderClient) ForwardChallenge(ctx context.Context, requestID uuid.UUID, secureCode string) (bool, error) {
	target, err := restfulpayload.JoinURL(p.BaseURL, ChallengeEndpoint, requestID.String())
	if err != nil {
		return false, err
	}
	var resp restfulpayload.ChallengeResult
	err = restfulpayload.DoJSON(ctx, p.HTTP, http.MethodPost, target, restfulpayload.ChallengeForward{SecureCode: secureCode}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

func (p *ProviderClient) NotifyOutcome(ctx context.Context, requestID uuid.UUID, notice restfulpayload.OutcomeNotice) error {
	target, err := restfulpayload.JoinURL(p.BaseURL, OutcomeEndpoint, requestID.String())
	if err != nil {
		return err
	}
	return restfulpayload.DoJSON(ctx, p.HTTP, http.MethodPost, target, notice, nil)
}
