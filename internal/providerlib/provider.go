package providerlib

import (
	"context"
	"sync"
	"time"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/key"
	"github.com/CamberLoid/Satori/internal/misc"
	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/CamberLoid/Satori/internal/users"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const Version = "indev"

// DomainLink 是 SP 到计算域的通道
type DomainLink interface {
	SubmitSession(ctx context.Context, intake restfulpayload.SessionIntake) error
	CancelSession(ctx context.Context, requestID uuid.UUID) error
}

// Provider 持有 SP 的数据库、签名密钥和到计算域的通道。
// 会话状态的读改写由 mu 串行化
type Provider struct {
	db     *gorm.DB
	signer *key.SigningKeyChain
	domain DomainLink
	ttl    time.Duration
	now    func() time.Time
	mu     sync.Mutex
}

func New(db *gorm.DB, signer *key.SigningKeyChain, domain DomainLink, ttl time.Duration) *Provider {
	return &Provider{db: db, signer: signer, domain: domain, ttl: ttl, now: time.Now}
}

// SetClock 替换时钟，测试用
func (p *Provider) SetClock(now func() time.Time) {
	p.now = now
}

// --- 主体部分 ---

// RegisterSubject 登记主体，encryptedValue 是计算域公钥下的主体值密文
func (p *Provider) RegisterSubject(req restfulpayload.RegisterSubjectReq) (*users.Subject, error) {
	if len(req.EncryptedValue) == 0 {
		return nil, errcode.MissingField("encryptedValue")
	}
	s := users.NewSubjectWithName(req.Name)
	s.UpdateValue(req.EncryptedValue)
	for _, q := range req.Questions {
		switch {
		case q.Question == "":
			return nil, errcode.MissingField("question")
		case q.HashedAnswer != "":
			s.AddHashedQuestion(q.Question, q.HashedAnswer)
		case q.Answer != "":
			s.AddQuestion(q.Question, q.Answer)
		default:
			return nil, errcode.MissingField("answer")
		}
	}
	if err := saveSubject(p.db, s); err != nil {
		return nil, err
	}
	log.WithField("subjectId", s.Identifier.String()).Infoln("subject registered")
	return s, nil
}

func (p *Provider) Subject(id uuid.UUID) (*users.Subject, error) {
	return loadSubject(p.db, id)
}

// UpdateSubjectValue 替换主体值。进行中的会话会在快照核对时失效
func (p *Provider) UpdateSubjectValue(id uuid.UUID, encrypted []byte) error {
	if len(encrypted) == 0 {
		return errcode.MissingField("encryptedValue")
	}
	s, err := loadSubject(p.db, id)
	if err != nil {
		return err
	}
	s.UpdateValue(encrypted)
	return saveSubject(p.db, s)
}

// --- 会话部分 ---

// CreateSession 为主体发起验证：随机挑选问题、生成挑战码、签名并转交计算域
func (p *Provider) CreateSession(ctx context.Context, subjectID uuid.UUID) (*session.Session, error) {
	subject, err := loadSubject(p.db, subjectID)
	if err != nil {
		return nil, err
	}
	question, err := subject.PickQuestion()
	if err != nil {
		return nil, err
	}
	code, err := misc.GenerateCode()
	if err != nil {
		return nil, errcode.SessionCreate(err.Error())
	}

	s := session.New(subject.Identifier.String(), subject.EncryptedValue, question.Question, code, p.now(), p.ttl)
	s.HashedExpectedAnswer = question.HashedAnswer
	if err = s.Sign(p.signer.PrivateKey); err != nil {
		return nil, errcode.Wrap(errcode.KindSessionCreate, err, "sign session")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err = saveSession(p.db, s); err != nil {
		return nil, err
	}

	if err = p.domain.SubmitSession(ctx, restfulpayload.IntakeFromSession(s)); err != nil {
		log.WithError(err).WithField("requestId", s.RequestID.String()).Errorln("forwarding session to domain failed")
		if terr := s.Transition(session.FailedComparison, session.ReasonTransport); terr == nil {
			_ = saveSession(p.db, s)
		}
		return nil, errcode.Wrap(errcode.KindSessionCreate, err, "forward session to domain")
	}

	if err = s.Transition(session.AwaitingClientKeys, ""); err != nil {
		return nil, err
	}
	if err = saveSession(p.db, s); err != nil {
		return nil, err
	}
	return s, nil
}

// load 读取会话并顺带处理过期，调用方持有 mu
func (p *Provider) load(requestID uuid.UUID) (*session.Session, error) {
	s, err := loadSession(p.db, requestID)
	if err != nil {
		return nil, err
	}
	if s.ExpireIfDue(p.now()) {
		if err = saveSession(p.db, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Session 返回会话的当前状态
func (p *Provider) Session(requestID uuid.UUID) (*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load(requestID)
}

// CheckSnapshot 供计算域在比较前调用。
// 主体值在会话建立后发生变化时会话被取消，返回 false
func (p *Provider) CheckSnapshot(requestID uuid.UUID, digest string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.load(requestID)
	if err != nil {
		return false, err
	}
	if s.State.Terminal() {
		return false, session.Outcome(s)
	}
	subjectID, err := uuid.Parse(s.SubjectID)
	if err != nil {
		return false, errors.Wrap(err, "parse subject id")
	}
	subject, err := loadSubject(p.db, subjectID)
	if err != nil {
		return false, err
	}

	if s.Snapshot(digest) && s.Snapshot(subject.ValueDigest()) {
		return true, nil
	}
	if err = s.Transition(session.Cancelled, session.ReasonValueChanged); err != nil {
		return false, err
	}
	return false, saveSession(p.db, s)
}

// advance 把会话推进到计算域报告的状态。
// 比较成功时 SP 从 AwaitingClientKeys 经 ComparisonInFlight 进入 ChallengePending
func advance(s *session.Session, to session.State, reason string) error {
	if s.State == to {
		return nil
	}
	if s.State == session.AwaitingClientKeys && (to == session.ChallengePending || to == session.FailedComparison) {
		if err := s.Transition(session.ComparisonInFlight, ""); err != nil {
			return err
		}
	}
	return s.Transition(to, reason)
}

// Outcome 记录计算域报告的比较结果或终态
func (p *Provider) Outcome(requestID uuid.UUID, notice restfulpayload.OutcomeNotice) (*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.load(requestID)
	if err != nil {
		return nil, err
	}
	if s.State.Terminal() {
		if s.State == notice.State {
			return s, nil
		}
		return s, session.Outcome(s)
	}
	switch notice.State {
	case session.ChallengePending, session.FailedComparison, session.Cancelled, session.Expired:
	default:
		return nil, errcode.InvalidTransition(string(s.State), string(notice.State))
	}
	if err = advance(s, notice.State, notice.Reason); err != nil {
		return nil, err
	}
	return s, saveSession(p.db, s)
}

// VerifyChallenge 重新计算 sha256(hashedAnswer || code) 并与客户端提交的值比较
func (p *Provider) VerifyChallenge(requestID uuid.UUID, secureCode string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.load(requestID)
	if err != nil {
		return false, err
	}
	if s.State != session.ChallengePending {
		if s.State.Terminal() {
			return false, session.Outcome(s)
		}
		return false, errcode.InvalidTransition(string(s.State), string(session.Succeeded))
	}

	accepted := session.CheckResponse(s.HashedExpectedAnswer, s.Code, secureCode)
	if accepted {
		err = s.Transition(session.Succeeded, "")
	} else {
		err = s.Transition(session.FailedChallenge, session.ReasonWrongResponse)
	}
	if err != nil {
		return false, err
	}
	return accepted, saveSession(p.db, s)
}

// Cancel 取消 SP 一侧的待定会话，并尽力通知计算域
func (p *Provider) Cancel(ctx context.Context, requestID uuid.UUID, reason string, notifyDomain bool) error {
	p.mu.Lock()
	s, err := p.load(requestID)
	if err == nil {
		if s.State.Terminal() {
			err = session.Outcome(s)
		} else if err = s.Transition(session.Cancelled, reason); err == nil {
			err = saveSession(p.db, s)
		}
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if notifyDomain {
		if derr := p.domain.CancelSession(ctx, requestID); derr != nil {
			log.WithError(derr).WithField("requestId", requestID.String()).Warnln("domain cancellation failed")
		}
	}
	return nil
}

// Sweep 让所有到期的会话进入 Expired，返回处理的数量
func (p *Provider) Sweep() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	open, err := listOpenSessions(p.db)
	if err != nil {
		return 0, err
	}
	n := 0
	now := p.now()
	for _, s := range open {
		if !s.ExpireIfDue(now) {
			continue
		}
		if err = saveSession(p.db, s); err != nil {
			return n, errors.Wrap(err, "sweep")
		}
		n++
	}
	return n, nil
}
