// 包 providerlib 是服务提供方（SP）的业务逻辑：
// 登记主体、发起验证会话、核对快照以及校验挑战应答。
package providerlib

import (
	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/CamberLoid/Satori/internal/users"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SubjectRecord 定义了数据库表 subjects
type SubjectRecord struct {
	ID             string `gorm:"primaryKey;type:VARCHAR(36)"`
	Name           string `gorm:"type:VARCHAR(255) NOT NULL"`
	EncryptedValue []byte
	Questions      []QuestionRecord `gorm:"foreignKey:SubjectID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

func (SubjectRecord) TableName() string { return "subjects" }

// QuestionRecord 定义了数据库表 security_questions，与 SubjectRecord 为多对一关系
type QuestionRecord struct {
	ID           uint   `gorm:"primaryKey"`
	SubjectID    string `gorm:"type:VARCHAR(36);not null;index"`
	Question     string `gorm:"type:VARCHAR(255) NOT NULL"`
	HashedAnswer string `gorm:"type:VARCHAR(64) NOT NULL"`
}

func (QuestionRecord) TableName() string { return "security_questions" }

// SessionRecord 定义了数据库表 sessions，保存 SP 一侧的待定会话
type SessionRecord struct {
	RequestID    string `gorm:"primaryKey;type:VARCHAR(36)"`
	SubjectID    string `gorm:"type:VARCHAR(36);not null;index"`
	ValueDigest  string `gorm:"type:VARCHAR(64) NOT NULL"`
	Question     string `gorm:"type:VARCHAR(255) NOT NULL"`
	HashedAnswer string `gorm:"type:VARCHAR(64) NOT NULL"`
	Code         string `gorm:"type:VARCHAR(16) NOT NULL"`
	State        string `gorm:"type:VARCHAR(32) NOT NULL;index"`
	Reason       string
	CreatedAtMs  int64 `gorm:"not null"`
	TTLMs        int64 `gorm:"not null"`
	Signature    []byte
}

func (SessionRecord) TableName() string { return "sessions" }

// OpenDatabase 按方言打开数据库并迁移表结构
func OpenDatabase(dialect, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported database dialect %q", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrap(err, "无法打开数据库")
	}
	if err = db.AutoMigrate(&SubjectRecord{}, &QuestionRecord{}, &SessionRecord{}); err != nil {
		return nil, errors.Wrap(err, "无法迁移数据库表结构")
	}
	return db, nil
}

// --- 主体 ---

func subjectToRecord(s *users.Subject) *SubjectRecord {
	r := &SubjectRecord{ID: s.Identifier.String(), Name: s.Name, EncryptedValue: s.EncryptedValue}
	for _, q := range s.Questions {
		r.Questions = append(r.Questions, QuestionRecord{SubjectID: r.ID, Question: q.Question, HashedAnswer: q.HashedAnswer})
	}
	return r
}

func recordToSubject(r *SubjectRecord) (*users.Subject, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, errors.Wrap(err, "parse subject id")
	}
	s := &users.Subject{Identifier: id, Name: r.Name, EncryptedValue: r.EncryptedValue}
	for _, q := range r.Questions {
		s.AddHashedQuestion(q.Question, q.HashedAnswer)
	}
	return s, nil
}

func saveSubject(db *gorm.DB, s *users.Subject) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		r := subjectToRecord(s)
		dbResult := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Omit("Questions").Create(r)
		if dbResult.Error != nil {
			return errors.Wrap(dbResult.Error, "无法将主体存入数据库")
		}

		// 问题整体替换
		if err := tx.Where("subject_id = ?", r.ID).Delete(&QuestionRecord{}).Error; err != nil {
			return errors.Wrap(err, "无法删除旧的安全问题")
		}
		if len(r.Questions) > 0 {
			if err := tx.Create(&r.Questions).Error; err != nil {
				return errors.Wrap(err, "无法将安全问题存入数据库")
			}
		}
		return nil
	})
	return err
}

func loadSubject(db *gorm.DB, id uuid.UUID) (*users.Subject, error) {
	var r SubjectRecord
	dbResult := db.Preload("Questions").Where("id = ?", id.String()).Take(&r)
	if dbResult.Error != nil {
		if errors.Cause(dbResult.Error) == gorm.ErrRecordNotFound {
			return nil, errcode.NotFound("subject " + id.String())
		}
		return nil, errors.Wrap(dbResult.Error, "无法从数据库中获取主体")
	}
	return recordToSubject(&r)
}

// --- 会话 ---

func sessionToRecord(s *session.Session) *SessionRecord {
	return &SessionRecord{
		RequestID:    s.RequestID.String(),
		SubjectID:    s.SubjectID,
		ValueDigest:  s.ValueDigest,
		Question:     s.SecurityQuestion,
		HashedAnswer: s.HashedExpectedAnswer,
		Code:         s.Code,
		State:        string(s.State),
		Reason:       s.Reason,
		CreatedAtMs:  s.CreatedAt,
		TTLMs:        s.TTL,
		Signature:    s.Signature,
	}
}

// recordToSession 还原的会话不含密文本身，SP 只需要其摘要
func recordToSession(r *SessionRecord) (*session.Session, error) {
	id, err := uuid.Parse(r.RequestID)
	if err != nil {
		return nil, errors.Wrap(err, "parse request id")
	}
	return &session.Session{
		RequestID:            id,
		SubjectID:            r.SubjectID,
		ValueDigest:          r.ValueDigest,
		SecurityQuestion:     r.Question,
		HashedExpectedAnswer: r.HashedAnswer,
		Code:                 r.Code,
		State:                session.State(r.State),
		Reason:               r.Reason,
		CreatedAt:            r.CreatedAtMs,
		TTL:                  r.TTLMs,
		Signature:            r.Signature,
	}, nil
}

func saveSession(db *gorm.DB, s *session.Session) error {
	dbResult := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		UpdateAll: true,
	}).Create(sessionToRecord(s))
	return errors.Wrap(dbResult.Error, "无法将会话存入数据库")
}

func loadSession(db *gorm.DB, requestID uuid.UUID) (*session.Session, error) {
	var r SessionRecord
	dbResult := db.Where("request_id = ?", requestID.String()).Take(&r)
	if dbResult.Error != nil {
		if errors.Cause(dbResult.Error) == gorm.ErrRecordNotFound {
			return nil, errcode.NotFound("session " + requestID.String())
		}
		return nil, errors.Wrap(dbResult.Error, "无法从数据库中获取会话")
	}
	return recordToSession(&r)
}

func listOpenSessions(db *gorm.DB) ([]*session.Session, error) {
	var records []SessionRecord
	dbResult := db.Where("state NOT IN ?", []string{
		string(session.Succeeded), string(session.FailedComparison), string(session.FailedChallenge),
		string(session.Cancelled), string(session.Expired),
	}).Order("created_at_ms").Find(&records)
	if dbResult.Error != nil {
		return nil, errors.Wrap(dbResult.Error, "无法从数据库中获取会话列表")
	}
	out := make([]*session.Session, 0, len(records))
	for i := range records {
		s, err := recordToSession(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
