package serverlib

import (
	"context"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/reenc"
	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// --- 上传校验 ---

// checkUpload 只看大小、是否为空和对象头，全程不调用引擎
func (s *Service) checkUpload(keyBytes, ssnBytes []byte) error {
	if n := int64(len(keyBytes)); n > s.limits.MaxKeyBytes {
		return errcode.PayloadTooLarge("key", n, s.limits.MaxKeyBytes)
	}
	if n := int64(len(ssnBytes)); n > s.limits.MaxValueBytes {
		return errcode.PayloadTooLarge("ssn", n, s.limits.MaxValueBytes)
	}
	if len(keyBytes) == 0 {
		return errcode.MissingField("key")
	}
	if len(ssnBytes) == 0 {
		return errcode.MissingField("ssn")
	}
	if err := s.expectKind(keyBytes, "key", he.KindReKey); err != nil {
		return err
	}
	return s.expectKind(ssnBytes, "ssn", he.KindCiphertext)
}

func (s *Service) expectKind(data []byte, artifact string, want he.Kind) error {
	kind, err := he.PeekKind(data, s.format)
	if err != nil {
		return errcode.UnsupportedFormat(artifact, err.Error())
	}
	if kind != want {
		return errcode.UnsupportedFormat(artifact, "expected "+want.String()+", got "+kind.String())
	}
	return nil
}

// --- 比较部分 ---

// Submit 处理客户端上传的重加密密钥和主体值密文。
// 比较成功时返回挑战码与安全问题；其余情况会话都进入终态
func (s *Service) Submit(ctx context.Context, requestID uuid.UUID, keyBytes, ssnBytes []byte) (*restfulpayload.ChallengeReveal, error) {
	if err := s.checkUpload(keyBytes, ssnBytes); err != nil {
		return nil, err
	}

	sess, err := s.load(requestID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, session.Outcome(sess)
	}
	if sess.State != session.AwaitingClientKeys {
		return nil, errcode.InvalidTransition(string(sess.State), string(session.ComparisonInFlight))
	}
	// 并发的第二次上传在这里失败
	if err = s.move(sess, session.ComparisonInFlight, ""); err != nil {
		return nil, err
	}
	logger := log.WithField("requestId", requestID.String())

	valid, err := s.provider.CheckSnapshot(ctx, requestID, sess.ValueDigest)
	switch {
	case errcode.Is(err, errcode.KindExpired):
		// SP 的时钟先到期，两边都按超时结束
		logger.WithError(err).Infoln("session expired at provider")
		if err = s.move(sess, session.Expired, session.ReasonTTL); err != nil {
			return nil, err
		}
		s.audit(requestID, EventExpired, session.ReasonTTL)
		return nil, session.Outcome(sess)
	case err != nil:
		logger.WithError(err).Errorln("snapshot check failed")
		return nil, s.fail(ctx, sess, session.ReasonTransport, EventCompareError, err)
	}
	if !valid {
		// SP 一侧已经取消
		if err = s.move(sess, session.Cancelled, session.ReasonValueChanged); err != nil {
			return nil, err
		}
		s.audit(requestID, EventCancelled, session.ReasonValueChanged)
		return nil, session.Outcome(sess)
	}

	match, err := s.compare(sess, keyBytes, ssnBytes)
	if err != nil {
		logger.WithError(err).Errorln("comparison failed")
		return nil, s.fail(ctx, sess, session.ReasonEngine, EventCompareError, err)
	}
	if !match {
		return nil, s.fail(ctx, sess, session.ReasonMismatch, EventMismatch, nil)
	}

	// 比较期间可能已经到期
	if sess.ExpireIfDue(s.now()) {
		if err = s.store.Apply(sess, session.ComparisonInFlight); err != nil {
			return nil, err
		}
		s.audit(requestID, EventExpired, "")
		return nil, session.Outcome(sess)
	}

	if err = s.move(sess, session.ChallengePending, ""); err != nil {
		if cur, rerr := s.reload(requestID, err); rerr == nil && cur.State.Terminal() {
			return nil, session.Outcome(cur)
		}
		return nil, err
	}
	// SP 必须知道比较已通过，否则无法校验应答
	if err = s.report(ctx, sess); err != nil {
		logger.WithError(err).Errorln("provider did not accept comparison result")
		if merr := s.move(sess, session.FailedChallenge, session.ReasonTransport); merr != nil {
			return nil, merr
		}
		s.audit(requestID, EventFailedResponse, session.ReasonTransport)
		return nil, errcode.Wrap(errcode.KindFailedChallenge, err, session.ReasonTransport)
	}
	s.audit(requestID, EventChallenge, "")

	return &restfulpayload.ChallengeReveal{
		Status:    restfulpayload.StatusOK,
		RequestID: requestID,
		Question:  sess.SecurityQuestion,
		Code:      sess.Code,
	}, nil
}

// compare 把客户端密文重加密到计算域公钥下，再与 SP 登记的密文比较
func (s *Service) compare(sess *session.Session, keyBytes, ssnBytes []byte) (bool, error) {
	ctx := s.keys.Context
	rk, err := s.engine.Deserialize(ctx, keyBytes, he.KindReKey, s.format)
	if err != nil {
		return false, err
	}
	clientCT, err := s.engine.Deserialize(ctx, ssnBytes, he.KindCiphertext, s.format)
	if err != nil {
		return false, err
	}
	held, err := s.engine.Deserialize(ctx, sess.EncryptedSubjectValue, he.KindCiphertext, s.format)
	if err != nil {
		return false, errors.Wrap(err, "restore subject value")
	}

	switched, err := reenc.ReEncrypt(s.engine, ctx, rk, clientCT)
	if err != nil {
		return false, err
	}
	return s.comparator.Compare(held, switched)
}

// fail 让会话进入 FailedComparison 并通知 SP。cause 为 nil 表示值不一致
func (s *Service) fail(ctx context.Context, sess *session.Session, reason, event string, cause error) error {
	if err := s.move(sess, session.FailedComparison, reason); err != nil {
		if cur, rerr := s.reload(sess.RequestID, err); rerr == nil && cur.State.Terminal() {
			return session.Outcome(cur)
		}
		return err
	}
	detail := reason
	if cause != nil {
		detail = cause.Error()
	}
	s.audit(sess.RequestID, event, detail)
	s.notify(ctx, sess)
	if cause != nil {
		return errcode.Wrap(errcode.KindFailedComparison, cause, reason)
	}
	return errcode.New(errcode.KindFailedComparison, reason)
}

// --- 挑战应答部分 ---

// Answer 把客户端的 secureCode 转发给 SP，按 SP 的判定结束会话
func (s *Service) Answer(ctx context.Context, requestID uuid.UUID, secureCode string) (bool, error) {
	if secureCode == "" {
		return false, errcode.MissingField("secureCode")
	}
	sess, err := s.load(requestID)
	if err != nil {
		return false, err
	}
	if sess.State != session.ChallengePending {
		if sess.State.Terminal() {
			return false, session.Outcome(sess)
		}
		return false, errcode.InvalidTransition(string(sess.State), string(session.Succeeded))
	}

	accepted, err := s.provider.ForwardChallenge(ctx, requestID, secureCode)
	if err != nil {
		log.WithError(err).WithField("requestId", requestID.String()).Errorln("forward challenge failed")
		to, reason := session.FailedChallenge, session.ReasonTransport
		if errcode.Is(err, errcode.KindExpired) {
			to, reason = session.Expired, session.ReasonTTL
		}
		if merr := s.move(sess, to, reason); merr != nil {
			return false, merr
		}
		s.audit(requestID, EventFailedResponse, err.Error())
		return false, session.Outcome(sess)
	}

	if accepted {
		err = s.move(sess, session.Succeeded, "")
		s.audit(requestID, EventSucceeded, "")
	} else {
		err = s.move(sess, session.FailedChallenge, session.ReasonWrongResponse)
		s.audit(requestID, EventFailedResponse, session.ReasonWrongResponse)
	}
	if err != nil {
		return false, err
	}
	return accepted, nil
}
