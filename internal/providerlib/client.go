package providerlib

import (
	"context"
	"net/http"
	"time"

	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/google/uuid"
)

const (
	SessionIntakeEndpoint = "sessions"
)

// DomainClient 通过 HTTP 实现 DomainLink
type DomainClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewDomainClient(baseURL string, timeout time.Duration) *DomainClient {
	return &DomainClient{BaseURL: baseURL, HTTP: &http.Client{Timeout: timeout}}
}

// SubmitSession 把签过名的会话交给计算域
func (d *DomainClient) SubmitSession(ctx context.Context, intake restfulpayload.SessionIntake) error {
	target, err := restfulpayload.JoinURL(d.BaseURL, SessionIntakeEndpoint)
	if err != nil {
		return err
	}
	return restfulpayload.DoJSON(ctx, d.HTTP, http.MethodPost, target, intake, nil)
}

func (d *DomainClient) CancelSession(ctx context.Context, requestID uuid.UUID) error {
	target, err := restfulpayload.JoinURL(d.BaseURL, SessionIntakeEndpoint, requestID.String())
	if err != nil {
		return err
	}
	return restfulpayload.DoJSON(ctx, d.HTTP, http.MethodDelete, target, nil, nil)
}
