// 包 users 包含了 SP 一侧主体（用户）的相关结构体和方法
package users

import (
	"crypto/rand"
	"math/big"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/google/uuid"
)

// SecurityQuestion 中的答案只以哈希形式保存
type SecurityQuestion struct {
	Question     string
	HashedAnswer string
}

// Subject 是 SP 登记的主体。
// EncryptedValue 是用计算域公钥加密的主体值（例如 SSN）
type Subject struct {
	Identifier     uuid.UUID
	Name           string
	EncryptedValue []byte
	Questions      []SecurityQuestion
}

// 生成一个新的空值主体
func NewSubject() *Subject {
	return &Subject{Identifier: uuid.New()}
}

func NewSubjectWithName(name string) *Subject {
	s := NewSubject()
	s.Name = name
	return s
}

// AddQuestion 登记一个安全问题，答案在这里做第一次哈希
func (s *Subject) AddQuestion(question, answer string) {
	s.Questions = append(s.Questions, SecurityQuestion{
		Question:     question,
		HashedAnswer: session.HashAnswer(answer),
	})
}

// AddHashedQuestion 用于答案已经在客户端哈希过的情况
func (s *Subject) AddHashedQuestion(question, hashedAnswer string) {
	s.Questions = append(s.Questions, SecurityQuestion{Question: question, HashedAnswer: hashedAnswer})
}

// PickQuestion 随机挑选一个已登记的问题
func (s *Subject) PickQuestion() (SecurityQuestion, error) {
	if len(s.Questions) == 0 {
		return SecurityQuestion{}, errcode.SessionCreate("no security question registered for subject " + s.Identifier.String())
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(s.Questions))))
	if err != nil {
		return SecurityQuestion{}, errcode.SessionCreate(err.Error())
	}
	return s.Questions[n.Int64()], nil
}

func (s *Subject) UpdateValue(encrypted []byte) {
	s.EncryptedValue = encrypted
}

// ValueDigest 是当前主体值的快照摘要
func (s *Subject) ValueDigest() string {
	return session.Digest(s.EncryptedValue)
}
