package db

import (
	"database/sql"
	"time"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const sessionColumns = `
	request_id, subject_id, encrypted_value, value_digest, question, code,
	state, reason, created_at, ttl, signature`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		s      session.Session
		id     string
		state  string
		reason sql.NullString
	)
	err := row.Scan(
		&id, &s.SubjectID, &s.EncryptedSubjectValue, &s.ValueDigest, &s.SecurityQuestion, &s.Code,
		&state, &reason, &s.CreatedAt, &s.TTL, &s.Signature,
	)
	if err != nil {
		return nil, err
	}
	if s.RequestID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "parse request id")
	}
	s.State = session.State(state)
	s.Reason = reason.String
	return &s, nil
}

// --- 查询部分 ---

// GetSession 按 requestId 读取会话，不存在时返回 NotFound
func (s *Store) GetSession(requestID uuid.UUID) (*session.Session, error) {
	stmt, err := s.db.Prepare(`SELECT ` + sessionColumns + ` FROM Sessions WHERE request_id = ?`)
	if err != nil {
		return nil, errors.Wrap(err, "prepare statement")
	}
	defer stmt.Close()

	sess, err := scanSession(stmt.QueryRow(requestID.String()))
	if err == sql.ErrNoRows {
		return nil, errcode.NotFound("session " + requestID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan row")
	}
	return sess, nil
}

// ListOpenSessions 列出所有非终态会话，供过期清理使用
func (s *Store) ListOpenSessions() ([]*session.Session, error) {
	rows, err := s.db.Query(`
		SELECT `+sessionColumns+` FROM Sessions
		WHERE state NOT IN (?, ?, ?, ?, ?)
		ORDER BY created_at`,
		session.Succeeded, session.FailedComparison, session.FailedChallenge, session.Cancelled, session.Expired,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query open sessions")
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- 写入部分 ---

// PutSession 写入一个新会话；requestId 重复视为错误
func (s *Store) PutSession(sess *session.Session) error {
	stmt, err := s.db.Prepare(`
		INSERT INTO Sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "prepare statement")
	}
	defer stmt.Close()

	_, err = stmt.Exec(
		sess.RequestID.String(), sess.SubjectID, sess.EncryptedSubjectValue, sess.ValueDigest,
		sess.SecurityQuestion, sess.Code, string(sess.State), sess.Reason, sess.CreatedAt, sess.TTL, sess.Signature,
	)
	return errors.Wrap(err, "insert session")
}

// CompareAndSetState 仅当当前状态为 from 时才写入 to。
// 并发的两个请求里只有一个能完成同一转移
func (s *Store) CompareAndSetState(requestID uuid.UUID, from, to session.State, reason string) error {
	if !session.CanTransition(from, to) {
		return errcode.InvalidTransition(string(from), string(to))
	}
	res, err := s.db.Exec(`
		UPDATE Sessions SET state = ?, reason = ?
		WHERE request_id = ? AND state = ?`,
		string(to), reason, requestID.String(), string(from),
	)
	if err != nil {
		return errors.Wrap(err, "update session state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errcode.InvalidTransition(string(from), string(to))
	}
	return nil
}

// Apply 把 sess 上已经完成的转移落库，以 prev 作为期望的旧状态
func (s *Store) Apply(sess *session.Session, prev session.State) error {
	return s.CompareAndSetState(sess.RequestID, prev, sess.State, sess.Reason)
}

// --- 审计部分 ---

type AuditEvent struct {
	ID        int64
	RequestID uuid.UUID
	Event     string
	Detail    string
	Timestamp time.Time
}

func (s *Store) PutAudit(requestID uuid.UUID, event, detail string) (int64, error) {
	id := s.node.Generate().Int64()
	_, err := s.db.Exec(`
		INSERT INTO AuditEvents (id, request_id, event, detail, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		id, requestID.String(), event, detail, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert audit event")
	}
	return id, nil
}

// ListAudit 按时间顺序返回某个会话的审计事件
func (s *Store) ListAudit(requestID uuid.UUID) ([]AuditEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, event, detail, timestamp FROM AuditEvents
		WHERE request_id = ? ORDER BY id`, requestID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query audit events")
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			e      = AuditEvent{RequestID: requestID}
			detail sql.NullString
			ts     int64
		)
		if err = rows.Scan(&e.ID, &e.Event, &detail, &ts); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		e.Detail = detail.String
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
