// 包 serverlib 是计算域的业务逻辑：
// 接收 SP 转交的会话、对客户端上传的密文做重加密与比较、转发挑战应答。
package serverlib

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/CamberLoid/Satori/internal/config"
	"github.com/CamberLoid/Satori/internal/container"
	"github.com/CamberLoid/Satori/internal/db"
	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/misc"
	"github.com/CamberLoid/Satori/internal/reenc"
	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const Version = "indev"

// 审计事件名
const (
	EventIntake         = "intake"
	EventMismatch       = "comparison_mismatch"
	EventCompareError   = "comparison_error"
	EventChallenge      = "challenge_pending"
	EventSucceeded      = "succeeded"
	EventFailedResponse = "failed_challenge"
	EventCancelled      = "cancelled"
	EventExpired        = "expired"
)

// 通知 SP 时使用的超时
const notifyTimeout = 5 * time.Second

// Options 是建立 Service 所需的全部依赖
type Options struct {
	Engine      he.Engine
	Keys        *container.Bundle
	Store       *db.Store
	Provider    ProviderLink
	ProviderKey *ecdsa.PublicKey
	Limits      config.Limits
	Format      he.Format
	Epsilon     float64
	// MaxSessionTTL 是接受的会话寿命上限，零值取 config.DefaultSessionTTL
	MaxSessionTTL time.Duration
}

// Service 是计算域。会话状态只保存在 Store 中，
// 并发请求之间靠状态的比较后写入互斥
type Service struct {
	engine      he.Engine
	keys        *container.Bundle
	comparator  *reenc.Comparator
	store       *db.Store
	provider    ProviderLink
	providerKey *ecdsa.PublicKey
	limits      config.Limits
	format      he.Format
	maxTTL      time.Duration
	now         func() time.Time
}

func New(opts Options) (*Service, error) {
	switch {
	case opts.Engine == nil:
		return nil, errcode.MissingField("engine")
	case opts.Keys == nil || opts.Keys.Context == nil:
		return nil, errcode.MissingField(container.EntryContext)
	case opts.Keys.PublicKey == nil:
		return nil, errcode.MissingField(container.EntryPublicKey)
	case opts.Keys.SecretKey == nil:
		return nil, errcode.MissingField(container.EntrySecretKey)
	case opts.Store == nil:
		return nil, errcode.MissingField("store")
	case opts.Provider == nil:
		return nil, errcode.MissingField("provider link")
	case opts.ProviderKey == nil:
		return nil, errcode.MissingField("provider public key")
	}
	limits := opts.Limits
	if limits.MaxKeyBytes <= 0 {
		limits.MaxKeyBytes = config.DefaultMaxKeyBytes
	}
	if limits.MaxValueBytes <= 0 {
		limits.MaxValueBytes = config.DefaultMaxValueBytes
	}
	maxTTL := opts.MaxSessionTTL
	if maxTTL <= 0 {
		maxTTL = config.DefaultSessionTTL
	}
	return &Service{
		engine:      opts.Engine,
		keys:        opts.Keys,
		comparator:  reenc.NewComparator(opts.Engine, opts.Keys.Context, opts.Keys.SecretKey, opts.Epsilon),
		store:       opts.Store,
		provider:    opts.Provider,
		providerKey: opts.ProviderKey,
		limits:      limits,
		format:      opts.Format,
		maxTTL:      maxTTL,
		now:         time.Now,
	}, nil
}

// SetClock 替换时钟，测试用
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// PublicKey 返回计算域公钥的序列化形式
func (s *Service) PublicKey(f he.Format) ([]byte, error) {
	return s.engine.Serialize(s.keys.PublicKey, f)
}

// Context 返回计算域上下文的序列化形式，客户端据此建立兼容的上下文
func (s *Service) Context(f he.Format) ([]byte, error) {
	return s.engine.Serialize(s.keys.Context, f)
}

// --- 会话部分 ---

// Intake 接收 SP 转交的会话。签名不通过或已过期的会话不会入库
func (s *Service) Intake(intake restfulpayload.SessionIntake) (*session.Session, error) {
	sess := intake.Session()
	if err := sess.VerifyStamp(s.providerKey); err != nil {
		return nil, err
	}
	if sess.TTL <= 0 || sess.TTL > s.maxTTL.Milliseconds() {
		return nil, errcode.InvalidStamp(fmt.Sprintf("ttl %dms outside (0, %dms]", sess.TTL, s.maxTTL.Milliseconds()))
	}
	if sess.Expired(s.now()) {
		return nil, errcode.New(errcode.KindExpired, "session arrived after its deadline")
	}
	if !misc.IsValidCode(sess.Code) {
		return nil, errcode.MissingField("code")
	}
	if sess.SecurityQuestion == "" {
		return nil, errcode.MissingField("question")
	}
	kind, err := he.PeekKind(sess.EncryptedSubjectValue, s.format)
	if err != nil {
		return nil, err
	}
	if kind != he.KindCiphertext {
		return nil, errcode.UnsupportedFormat("encryptedSubjectValue", "expected "+he.KindCiphertext.String()+", got "+kind.String())
	}

	if err = sess.Transition(session.AwaitingClientKeys, ""); err != nil {
		return nil, err
	}
	if err = s.store.PutSession(sess); err != nil {
		return nil, err
	}
	s.audit(sess.RequestID, EventIntake, sess.SubjectID)
	return sess, nil
}

// load 读取会话并处理过期。过期由双方各自按签名中的时间判断，不通知 SP
func (s *Service) load(requestID uuid.UUID) (*session.Session, error) {
	sess, err := s.store.GetSession(requestID)
	if err != nil {
		return nil, err
	}
	prev := sess.State
	if sess.ExpireIfDue(s.now()) {
		if err = s.store.Apply(sess, prev); err != nil {
			return s.reload(requestID, err)
		}
		s.audit(requestID, EventExpired, "")
	}
	return sess, nil
}

// reload 在状态写入冲突后重新读取，冲突说明另一个请求已经推进了会话
func (s *Service) reload(requestID uuid.UUID, cause error) (*session.Session, error) {
	if !errcode.Is(cause, errcode.KindInvalidTransition) {
		return nil, cause
	}
	return s.store.GetSession(requestID)
}

// move 推进状态并落库
func (s *Service) move(sess *session.Session, to session.State, reason string) error {
	prev := sess.State
	if err := sess.Transition(to, reason); err != nil {
		return err
	}
	return s.store.Apply(sess, prev)
}

// Status 返回会话的当前状态
func (s *Service) Status(requestID uuid.UUID) (*session.Session, error) {
	return s.load(requestID)
}

// Cancel 取消会话。notifyProvider 为 false 用于 SP 发起的取消
func (s *Service) Cancel(ctx context.Context, requestID uuid.UUID, reason string, notifyProvider bool) error {
	sess, err := s.load(requestID)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return session.Outcome(sess)
	}
	if err = s.move(sess, session.Cancelled, reason); err != nil {
		if sess, rerr := s.reload(requestID, err); rerr == nil {
			return session.Outcome(sess)
		}
		return err
	}
	s.audit(requestID, EventCancelled, reason)
	if notifyProvider {
		s.notify(ctx, sess)
	}
	return nil
}

// Sweep 让所有到期的会话进入 Expired，返回处理的数量
func (s *Service) Sweep() (int, error) {
	open, err := s.store.ListOpenSessions()
	if err != nil {
		return 0, err
	}
	n := 0
	now := s.now()
	for _, sess := range open {
		prev := sess.State
		if !sess.ExpireIfDue(now) {
			continue
		}
		if err = s.store.Apply(sess, prev); err != nil {
			if errcode.Is(err, errcode.KindInvalidTransition) {
				continue
			}
			return n, errors.Wrap(err, "sweep")
		}
		s.audit(sess.RequestID, EventExpired, "")
		n++
	}
	return n, nil
}

// RunSweeper 周期性执行 Sweep，直到 ctx 结束
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep()
			if err != nil {
				log.WithError(err).Errorln("session sweep failed")
				continue
			}
			if n > 0 {
				log.WithField("expired", n).Infoln("expired sessions swept")
			}
		}
	}
}

// AuditTrail 返回会话的审计事件
func (s *Service) AuditTrail(requestID uuid.UUID) ([]db.AuditEvent, error) {
	return s.store.ListAudit(requestID)
}

func (s *Service) audit(requestID uuid.UUID, event, detail string) {
	if _, err := s.store.PutAudit(requestID, event, detail); err != nil {
		log.WithError(err).WithField("requestId", requestID.String()).Warnln("write audit event failed")
	}
}

// notify 尽力把终态告诉 SP，失败只记日志
func (s *Service) notify(ctx context.Context, sess *session.Session) {
	if err := s.report(ctx, sess); err != nil {
		log.WithError(err).WithField("requestId", sess.RequestID.String()).Warnln("notify provider failed")
	}
}

func (s *Service) report(ctx context.Context, sess *session.Session) error {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	return s.provider.NotifyOutcome(ctx, sess.RequestID, restfulpayload.OutcomeNotice{State: sess.State, Reason: sess.Reason})
}
