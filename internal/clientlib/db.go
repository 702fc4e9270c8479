package clientlib

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// table Credentials
// 客户端登记过的主体，答案只保存一次哈希
func createCredentialTable() string {
	return `
		CREATE TABLE IF NOT EXISTS Credentials (
			subject_id TEXT NOT NULL,
			question TEXT NOT NULL,
			hashed_answer TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY(subject_id, question)
		);
	`
}

// table Requests
// 发起过的验证请求，状态以最后一次查询为准
func createRequestTable() string {
	return `
		CREATE TABLE IF NOT EXISTS Requests (
			request_id TEXT PRIMARY KEY NOT NULL,
			subject_id TEXT NOT NULL,
			state TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`
}

// Request 是本地记录的一次验证
type Request struct {
	RequestID uuid.UUID
	SubjectID uuid.UUID
	State     session.State
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// LocalStore 是客户端的本地 sqlite 数据库
type LocalStore struct {
	db *sql.DB
}

func OpenLocalStore(path string) (*LocalStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	conn.SetMaxOpenConns(1)

	log.Debugln("Database: Initializing Credentials")
	if _, err = conn.Exec(createCredentialTable()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "create credential table")
	}
	log.Debugln("Database: Initializing Requests")
	if _, err = conn.Exec(createRequestTable()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "create request table")
	}
	return &LocalStore{db: conn}, nil
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}

// --- 凭据 ---

// PutCredential 记录主体的问题与哈希后的答案，同一问题重复写入时覆盖
func (s *LocalStore) PutCredential(subjectID uuid.UUID, question, hashedAnswer string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO Credentials (subject_id, question, hashed_answer, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(subject_id, question) DO UPDATE SET hashed_answer = excluded.hashed_answer`,
		subjectID.String(), question, hashedAnswer, now.UnixMilli())
	return errors.Wrap(err, "insert credential")
}

// HashedAnswer 查找主体某个问题的哈希答案
func (s *LocalStore) HashedAnswer(subjectID uuid.UUID, question string) (string, error) {
	var hashed string
	err := s.db.QueryRow(`SELECT hashed_answer FROM Credentials WHERE subject_id = ? AND question = ?`,
		subjectID.String(), question).Scan(&hashed)
	if err == sql.ErrNoRows {
		return "", errcode.NotFound("credential for " + subjectID.String())
	}
	return hashed, errors.Wrap(err, "query credential")
}

// --- 请求 ---

// PutRequest 插入或更新一次验证请求
func (s *LocalStore) PutRequest(r Request) error {
	_, err := s.db.Exec(`
		INSERT INTO Requests (request_id, subject_id, state, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		r.RequestID.String(), r.SubjectID.String(), string(r.State), r.ExpiresAt.UnixMilli(), r.UpdatedAt.UnixMilli())
	return errors.Wrap(err, "insert request")
}

func (s *LocalStore) GetRequest(requestID uuid.UUID) (*Request, error) {
	rows, err := s.db.Query(`
		SELECT request_id, subject_id, state, expires_at, updated_at FROM Requests WHERE request_id = ?`,
		requestID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query request")
	}
	defer rows.Close()
	reqs, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, errcode.NotFound("request " + requestID.String())
	}
	return &reqs[0], nil
}

// ListRequests 按更新时间倒序列出请求
func (s *LocalStore) ListRequests() ([]Request, error) {
	rows, err := s.db.Query(`
		SELECT request_id, subject_id, state, expires_at, updated_at FROM Requests ORDER BY updated_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "query requests")
	}
	defer rows.Close()
	return scanRequests(rows)
}

func scanRequests(rows *sql.Rows) ([]Request, error) {
	var out []Request
	for rows.Next() {
		var (
			r                    Request
			id, subject, state   string
			expiresAt, updatedAt int64
		)
		if err := rows.Scan(&id, &subject, &state, &expiresAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		var err error
		if r.RequestID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrap(err, "parse request id")
		}
		if r.SubjectID, err = uuid.Parse(subject); err != nil {
			return nil, errors.Wrap(err, "parse subject id")
		}
		r.State = session.State(state)
		r.ExpiresAt = time.UnixMilli(expiresAt)
		r.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate rows")
}
