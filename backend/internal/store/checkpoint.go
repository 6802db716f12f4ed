package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// CheckpointStore 保存镜像的检查点（某个 generation 下全部集合的内容）
type CheckpointStore struct{ db *sql.DB }

func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// EnsureSchema 建表；(session_id, generation) 唯一，重复保存时触发 1062
func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS mirror_checkpoints (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		session_id VARCHAR(128) NOT NULL,
		generation BIGINT UNSIGNED NOT NULL,
		content MEDIUMBLOB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uk_session_generation (session_id, generation)
	)`)
	return err
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, sessionID string, generation uint64, content []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mirror_checkpoints (session_id, generation, content)
		VALUES (?, ?, ?)`,
		sessionID,
		generation,
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		// 同一 generation 已保存过：内容相同，直接忽略
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// LatestCheckpoint 返回会话最近写入的检查点；没有时返回 sql.ErrNoRows
func (s *CheckpointStore) LatestCheckpoint(ctx context.Context, sessionID string) (uint64, []byte, error) {
	var (
		generation uint64
		content    []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT generation, content FROM mirror_checkpoints
		WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
		sessionID,
	).Scan(&generation, &content)
	return generation, content, err
}
