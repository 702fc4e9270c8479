// 包 db 包含计算域使用的 sql 操作方法
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/bwmarrin/snowflake"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// --- 数据库具体操作 ---
// --- 初始化：建表 ---

// table Sessions
// 计算域暂存的会话，终态记录保留用于审计
func CreateSessionTable() string {
	return `
		CREATE TABLE IF NOT EXISTS Sessions (
			request_id TEXT PRIMARY KEY NOT NULL,
			subject_id TEXT NOT NULL,
			encrypted_value BLOB NOT NULL,
			value_digest TEXT NOT NULL,
			question TEXT NOT NULL,
			code TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT,
			created_at INTEGER NOT NULL,
			ttl INTEGER NOT NULL,
			signature BLOB NOT NULL
		);
	`
}

// table AuditEvents
// id 为 snowflake，按时间有序
func CreateAuditTable() string {
	return `
		CREATE TABLE IF NOT EXISTS AuditEvents (
			id INTEGER PRIMARY KEY NOT NULL,
			request_id TEXT NOT NULL,
			event TEXT NOT NULL,
			detail TEXT,
			timestamp INTEGER NOT NULL,
			FOREIGN KEY(request_id) REFERENCES Sessions(request_id)
		);
	`
}

// Store 包装数据库句柄与审计 id 生成器
type Store struct {
	db   *sql.DB
	node *snowflake.Node
}

// Open 打开或创建数据库并建表。path 为 ":memory:" 时使用内存库
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// 内存库每个连接都是独立的库
	conn.SetMaxOpenConns(1)

	if _, err = conn.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}

	log.Debugln("Database: Initializing Sessions")
	if _, err = conn.Exec(CreateSessionTable()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "create session table")
	}
	log.Debugln("Database: Initializing AuditEvents")
	if _, err = conn.Exec(CreateAuditTable()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "create audit table")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "create snowflake node")
	}
	return &Store{db: conn, node: node}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
