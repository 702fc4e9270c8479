// server.go 包括客户端与计算域、SP 交互的接口和函数

package clientlib

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultDomainURL   string = "http://127.0.0.1:16001"
	DefaultProviderURL string = "http://127.0.0.1:16002"

	PublicKeyEndpoint    string = "public-key"
	ContextEndpoint      string = "context"
	VerificationEndpoint string = "verification"

	SubjectsEndpoint string = "subjects"
	LoginEndpoint    string = "login"
	SessionsEndpoint string = "sessions"
)

// --- 计算域 ---

// DomainAPI 是计算域的 HTTP 客户端
type DomainAPI struct {
	BaseURL string
	HTTP    *http.Client
}

func NewDomainAPI(baseURL string, timeout time.Duration) *DomainAPI {
	if baseURL == "" {
		baseURL = DefaultDomainURL
	}
	return &DomainAPI{BaseURL: baseURL, HTTP: &http.Client{Timeout: timeout}}
}

func (d *DomainAPI) fetch(ctx context.Context, endpoint string, f he.Format) ([]byte, error) {
	target, err := restfulpayload.JoinURL(d.BaseURL, endpoint)
	if err != nil {
		return nil, err
	}
	if f == he.FormatText {
		target += "?format=text"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &restfulpayload.RemoteError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	return data, errors.Wrapf(err, "read %s", endpoint)
}

// PublicKey 获取计算域公钥的序列化形式
func (d *DomainAPI) PublicKey(ctx context.Context, f he.Format) ([]byte, error) {
	return d.fetch(ctx, PublicKeyEndpoint, f)
}

// Context 获取计算域上下文的序列化形式
func (d *DomainAPI) Context(ctx context.Context, f he.Format) ([]byte, error) {
	return d.fetch(ctx, ContextEndpoint, f)
}

// Submit 以 multipart 表单上传重加密密钥与主体值密文
func (d *DomainAPI) Submit(ctx context.Context, requestID uuid.UUID, keyBytes, ssnBytes []byte) (*restfulpayload.ChallengeReveal, error) {
	target, err := restfulpayload.JoinURL(d.BaseURL, VerificationEndpoint)
	if err != nil {
		return nil, err
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if err = w.WriteField("requestId", requestID.String()); err != nil {
		return nil, errors.Wrap(err, "write form")
	}
	for _, part := range []struct {
		name string
		data []byte
	}{{"key", keyBytes}, {"ssn", ssnBytes}} {
		fw, err := w.CreateFormFile(part.name, part.name+".bin")
		if err != nil {
			return nil, errors.Wrap(err, "write form")
		}
		if _, err = fw.Write(part.data); err != nil {
			return nil, errors.Wrap(err, "write form")
		}
	}
	if err = w.Close(); err != nil {
		return nil, errors.Wrap(err, "write form")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	reveal := new(restfulpayload.ChallengeReveal)
	if err = restfulpayload.Do(d.HTTP, req, reveal); err != nil {
		return nil, err
	}
	return reveal, nil
}

// Answer 提交 secureCode，返回是否通过。
// 计算域以 409 表示挑战未通过，此时不返回错误
func (d *DomainAPI) Answer(ctx context.Context, requestID uuid.UUID, secureCode string) (bool, error) {
	target, err := restfulpayload.JoinURL(d.BaseURL, VerificationEndpoint, requestID.String())
	if err != nil {
		return false, err
	}
	var result restfulpayload.Result
	err = restfulpayload.DoJSON(ctx, d.HTTP, http.MethodPut, target, restfulpayload.SecureCodeReq{SecureCode: secureCode}, &result)
	var rerr *restfulpayload.RemoteError
	if errors.As(err, &rerr) && rerr.StatusCode == http.StatusConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return result.Success, nil
}

func (d *DomainAPI) Status(ctx context.Context, requestID uuid.UUID) (*restfulpayload.StatusResp, error) {
	target, err := restfulpayload.JoinURL(d.BaseURL, VerificationEndpoint, requestID.String())
	if err != nil {
		return nil, err
	}
	status := new(restfulpayload.StatusResp)
	if err = restfulpayload.DoJSON(ctx, d.HTTP, http.MethodGet, target, nil, status); err != nil {
		return nil, err
	}
	return status, nil
}

func (d *DomainAPI) Cancel(ctx context.Context, requestID uuid.UUID) error {
	target, err := restfulpayload.JoinURL(d.BaseURL, VerificationEndpoint, requestID.String())
	if err != nil {
		return err
	}
	return restfulpayload.DoJSON(ctx, d.HTTP, http.MethodDelete, target, nil, nil)
}

// --- SP ---

// ProviderAPI 是 SP 的 HTTP 客户端
type ProviderAPI struct {
	BaseURL string
	HTTP    *http.Client
}

func NewProviderAPI(baseURL string, timeout time.Duration) *ProviderAPI {
	if baseURL == "" {
		baseURL = DefaultProviderURL
	}
	return &ProviderAPI{BaseURL: baseURL, HTTP: &http.Client{Timeout: timeout}}
}

// Register 在 SP 登记主体，返回主体 ID
func (p *ProviderAPI) Register(ctx context.Context, req restfulpayload.RegisterSubjectReq) (uuid.UUID, error) {
	target, err := restfulpayload.JoinURL(p.BaseURL, SubjectsEndpoint)
	if err != nil {
		return uuid.Nil, err
	}
	var resp restfulpayload.RegisterSubjectResp
	if err = restfulpayload.DoJSON(ctx, p.HTTP, http.MethodPost, target, req, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.SubjectID, nil
}

func (p *ProviderAPI) UpdateValue(ctx context.Context, subjectID uuid.UUID, encrypted []byte) error {
	target, err := restfulpayload.JoinURL(p.BaseURL, SubjectsEndpoint, subjectID.String(), "value")
	if err != nil {
		return err
	}
	return restfulpayload.DoJSON(ctx, p.HTTP, http.MethodPut, target, restfulpayload.UpdateValueReq{EncryptedValue: encrypted}, nil)
}

// Login 发起一次验证
func (p *ProviderAPI) Login(ctx context.Context, subjectID uuid.UUID) (*restfulpayload.LoginResp, error) {
	target, err := restfulpayload.JoinURL(p.BaseURL, LoginEndpoint, subjectID.String())
	if err != nil {
		return nil, err
	}
	resp := new(restfulpayload.LoginResp)
	if err = restfulpayload.DoJSON(ctx, p.HTTP, http.MethodPost, target, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *ProviderAPI) Session(ctx context.Context, requestID uuid.UUID) (*restfulpayload.SessionStateResp, error) {
	target, err := restfulpayload.JoinURL(p.BaseURL, SessionsEndpoint, requestID.String())
	if err != nil {
		return nil, err
	}
	resp := new(restfulpayload.SessionStateResp)
	if err = restfulpayload.DoJSON(ctx, p.HTTP, http.MethodGet, target, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *ProviderAPI) Cancel(ctx context.Context, requestID uuid.UUID) error {
	target, err := restfulpayload.JoinURL(p.BaseURL, SessionsEndpoint, requestID.String())
	if err != nil {
		return err
	}
	return restfulpayload.DoJSON(ctx, p.HTTP, http.MethodDelete, target, nil, nil)
}
