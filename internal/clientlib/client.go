// 包 clientlib 是验证流程的客户端：
// 在 SP 登记主体、发起登录，在计算域上传重加密密钥并回答挑战
package clientlib

import (
	"context"
	"sync"
	"time"

	"github.com/CamberLoid/Satori/internal/config"
	"github.com/CamberLoid/Satori/internal/container"
	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type Client struct {
	Engine   he.Engine
	Domain   *DomainAPI
	Provider *ProviderAPI
	// Keys 为 nil 时只能登记，不能发起验证
	Keys   *container.Bundle
	Store  *LocalStore
	Format he.Format
	Limits config.Limits

	now func() time.Time

	mu       sync.Mutex
	material *DomainMaterial
}

// NewClient 按配置创建客户端；keys 与 store 可以为 nil
func NewClient(engine he.Engine, conf config.Client, keys *container.Bundle, store *LocalStore) (*Client, error) {
	if engine == nil {
		return nil, errcode.MissingField("engine")
	}
	f, ok := he.ParseFormat(conf.Format)
	if !ok {
		return nil, errcode.UnsupportedFormat("format", conf.Format)
	}
	return &Client{
		Engine:   engine,
		Domain:   NewDomainAPI(conf.DomainURL, conf.Timeout),
		Provider: NewProviderAPI(conf.ProviderURL, conf.Timeout),
		Keys:     keys,
		Store:    store,
		Format:   f,
		Limits:   conf.Limits,
		now:      time.Now,
	}, nil
}

func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Client) logger(requestID uuid.UUID) *log.Entry {
	return log.WithField("requestId", requestID.String())
}

// DomainMaterial 获取并缓存计算域的上下文和公钥
func (c *Client) DomainMaterial(ctx context.Context) (*DomainMaterial, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.material != nil {
		return c.material, nil
	}
	ctxBytes, err := c.Domain.Context(ctx, c.Format)
	if err != nil {
		return nil, err
	}
	pkBytes, err := c.Domain.PublicKey(ctx, c.Format)
	if err != nil {
		return nil, err
	}
	m, err := RestoreDomainMaterial(c.Engine, ctxBytes, pkBytes, c.Format)
	if err != nil {
		return nil, err
	}
	c.material = m
	return m, nil
}

// --- 登记 ---

// Register 用计算域公钥加密主体值并在 SP 登记。
// 答案在本地哈希后才离开客户端
func (c *Client) Register(ctx context.Context, name, value string, questions map[string]string) (uuid.UUID, error) {
	if len(questions) == 0 {
		return uuid.Nil, errcode.MissingField("questions")
	}
	m, err := c.DomainMaterial(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	encrypted, err := EncryptForRegistration(c.Engine, m, value, c.Format)
	if err != nil {
		return uuid.Nil, err
	}

	req := restfulpayload.RegisterSubjectReq{Name: name, EncryptedValue: encrypted}
	hashed := make(map[string]string, len(questions))
	for q, a := range questions {
		hashed[q] = session.HashAnswer(a)
		req.Questions = append(req.Questions, restfulpayload.QuestionReq{Question: q, HashedAnswer: hashed[q]})
	}
	id, err := c.Provider.Register(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}

	if c.Store != nil {
		for q, h := range hashed {
			if err = c.Store.PutCredential(id, q, h, c.now()); err != nil {
				return id, err
			}
		}
	}
	log.WithField("subjectId", id.String()).Infoln("subject registered")
	return id, nil
}

// UpdateValue 重新加密并替换 SP 保存的主体值
func (c *Client) UpdateValue(ctx context.Context, subjectID uuid.UUID, value string) error {
	m, err := c.DomainMaterial(ctx)
	if err != nil {
		return err
	}
	encrypted, err := EncryptForRegistration(c.Engine, m, value, c.Format)
	if err != nil {
		return err
	}
	return c.Provider.UpdateValue(ctx, subjectID, encrypted)
}

// --- 验证 ---

// Login 在 SP 发起验证，得到 requestId
func (c *Client) Login(ctx context.Context, subjectID uuid.UUID) (*restfulpayload.LoginResp, error) {
	resp, err := c.Provider.Login(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	c.record(resp.RequestID, subjectID, session.AwaitingClientKeys, time.UnixMilli(resp.ExpiresAt))
	return resp, nil
}

// Submit 生成重加密密钥和密文并上传，比较通过时返回挑战
func (c *Client) Submit(ctx context.Context, requestID uuid.UUID, value string) (*restfulpayload.ChallengeReveal, error) {
	m, err := c.DomainMaterial(ctx)
	if err != nil {
		return nil, err
	}
	up, err := PrepareVerification(c.Engine, c.Keys, m, value, c.Format, c.Limits)
	if err != nil {
		return nil, err
	}
	reveal, err := c.Domain.Submit(ctx, requestID, up.Key, up.SSN)
	if err != nil {
		c.logger(requestID).WithError(err).Warnln("submission rejected")
		c.refresh(ctx, requestID)
		return nil, err
	}
	c.updateState(requestID, session.ChallengePending)
	return reveal, nil
}

// Answer 用答案和挑战码计算 secureCode 并提交
func (c *Client) Answer(ctx context.Context, reveal *restfulpayload.ChallengeReveal, answer string) (bool, error) {
	return c.answer(ctx, reveal, session.HashAnswer(answer))
}

// AnswerStored 使用本地保存的哈希答案
func (c *Client) AnswerStored(ctx context.Context, subjectID uuid.UUID, reveal *restfulpayload.ChallengeReveal) (bool, error) {
	if c.Store == nil {
		return false, errcode.MissingField("local store")
	}
	hashed, err := c.Store.HashedAnswer(subjectID, reveal.Question)
	if err != nil {
		return false, err
	}
	return c.answer(ctx, reveal, hashed)
}

func (c *Client) answer(ctx context.Context, reveal *restfulpayload.ChallengeReveal, hashedAnswer string) (bool, error) {
	ok, err := c.Domain.Answer(ctx, reveal.RequestID, session.SecureCode(hashedAnswer, reveal.Code))
	if err != nil {
		return false, err
	}
	if ok {
		c.updateState(reveal.RequestID, session.Succeeded)
	} else {
		c.updateState(reveal.RequestID, session.FailedChallenge)
	}
	return ok, nil
}

// Verify 走完一次完整的验证：登录、上传、回答挑战。
// answer 收到挑战问题后返回答案
func (c *Client) Verify(ctx context.Context, subjectID uuid.UUID, value string, answer func(question string) (string, error)) (bool, error) {
	login, err := c.Login(ctx, subjectID)
	if err != nil {
		return false, err
	}
	reveal, err := c.Submit(ctx, login.RequestID, value)
	if err != nil {
		return false, err
	}
	a, err := answer(reveal.Question)
	if err != nil {
		if cerr := c.Cancel(ctx, login.RequestID); cerr != nil {
			c.logger(login.RequestID).WithError(cerr).Warnln("cancel after aborted answer")
		}
		return false, err
	}
	return c.Answer(ctx, reveal, a)
}

func (c *Client) Status(ctx context.Context, requestID uuid.UUID) (*restfulpayload.StatusResp, error) {
	status, err := c.Domain.Status(ctx, requestID)
	if err != nil {
		return nil, err
	}
	c.updateState(requestID, status.State)
	return status, nil
}

func (c *Client) Cancel(ctx context.Context, requestID uuid.UUID) error {
	if err := c.Domain.Cancel(ctx, requestID); err != nil {
		return err
	}
	c.updateState(requestID, session.Cancelled)
	return nil
}

// --- 本地记录 ---

func (c *Client) record(requestID, subjectID uuid.UUID, state session.State, expiresAt time.Time) {
	if c.Store == nil {
		return
	}
	err := c.Store.PutRequest(Request{
		RequestID: requestID,
		SubjectID: subjectID,
		State:     state,
		ExpiresAt: expiresAt,
		UpdatedAt: c.now(),
	})
	if err != nil {
		c.logger(requestID).WithError(err).Warnln("record request")
	}
}

func (c *Client) updateState(requestID uuid.UUID, state session.State) {
	if c.Store == nil {
		return
	}
	r, err := c.Store.GetRequest(requestID)
	if err != nil {
		c.logger(requestID).WithError(err).Debugln("request not recorded locally")
		return
	}
	c.record(requestID, r.SubjectID, state, r.ExpiresAt)
}

// refresh 在失败后查询一次计算域，本地状态与之对齐
func (c *Client) refresh(ctx context.Context, requestID uuid.UUID) {
	if _, err := c.Status(ctx, requestID); err != nil {
		c.logger(requestID).WithError(err).Debugln("refresh status")
	}
}
