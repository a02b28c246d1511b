package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dovos/conversation-archive/internal/clock"
)

// UnitOfWork owns a single transactional scope and lazily exposes
// repositories bound to it, generalizing the teacher's ad hoc
// sql.TxOptions{Isolation: ReadCommitted} transaction in SendMessage into a
// reusable boundary every write path shares (spec §4.A, §9 "unit-of-work
// with lazy repositories").
type UnitOfWork struct {
	tx     *sql.Tx
	clock  clock.Clock
	logger *logrus.Logger

	conversations *ConversationRepository
	messages      *MessageRepository
	embeddings    *EmbeddingRepository
	jobs          *JobRepository
	settings      *SettingRepository
}

// Begin opens a new transactional scope.
func (d *DB) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := d.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &UnitOfWork{tx: tx, clock: d.clock, logger: d.logger}, nil
}

// WithinUnitOfWork runs fn inside a transactional scope, committing on
// success and rolling back on any error or panic — exactly one commit per
// scope, matching spec §4.A.
func (d *DB) WithinUnitOfWork(ctx context.Context, fn func(uow *UnitOfWork) error) (err error) {
	uow, err := d.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = uow.Rollback()
			panic(p)
		}
	}()

	if err = fn(uow); err != nil {
		if rbErr := uow.Rollback(); rbErr != nil {
			d.logger.WithError(rbErr).Warn("store: rollback after error also failed")
		}
		return err
	}

	return uow.Commit()
}

// Commit finalizes the scope.
func (u *UnitOfWork) Commit() error {
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Rollback aborts the scope.
func (u *UnitOfWork) Rollback() error {
	if err := u.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}

// Conversations returns the conversations repository bound to this scope.
func (u *UnitOfWork) Conversations() *ConversationRepository {
	if u.conversations == nil {
		u.conversations = &ConversationRepository{q: u.tx, clock: u.clock}
	}
	return u.conversations
}

// Messages returns the messages repository bound to this scope.
func (u *UnitOfWork) Messages() *MessageRepository {
	if u.messages == nil {
		u.messages = &MessageRepository{q: u.tx, clock: u.clock}
	}
	return u.messages
}

// Embeddings returns the embeddings repository bound to this scope.
func (u *UnitOfWork) Embeddings() *EmbeddingRepository {
	if u.embeddings == nil {
		u.embeddings = &EmbeddingRepository{q: u.tx, clock: u.clock}
	}
	return u.embeddings
}

// Jobs returns the job-queue repository bound to this scope.
func (u *UnitOfWork) Jobs() *JobRepository {
	if u.jobs == nil {
		u.jobs = &JobRepository{q: u.tx, clock: u.clock}
	}
	return u.jobs
}

// Settings returns the settings repository bound to this scope.
func (u *UnitOfWork) Settings() *SettingRepository {
	if u.settings == nil {
		u.settings = &SettingRepository{q: u.tx, clock: u.clock}
	}
	return u.settings
}
