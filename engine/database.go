package engine

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	ethToWei = big.NewInt(1e18)

	ErrExecutionNotFound = errors.New("execution not found")
)

type DBExecution struct {
	ID              uuid.UUID      `db:"id"`
	Identity        []byte         `db:"identity"`
	Kind            string         `db:"kind"`
	Strategy        string         `db:"strategy"`
	State           string         `db:"state"`
	AttemptCount    int            `db:"attempt_count"`
	EstimatedProfit sql.NullString `db:"estimated_profit"`
	FeePaid         sql.NullString `db:"fee_paid"`
	TxHashes        string         `db:"tx_hashes"`
	History         string         `db:"history"`
	Error           sql.NullString `db:"error"`
	DetectedAt      time.Time      `db:"detected_at"`
	FinishedAt      time.Time      `db:"finished_at"`
	InsertedAt      time.Time      `db:"inserted_at"`
}

var insertExecutionQuery = `
INSERT INTO executions (id, identity, kind, strategy, state, attempt_count, estimated_profit, fee_paid,
                        tx_hashes, history, error, detected_at, finished_at)
VALUES (:id, :identity, :kind, :strategy, :state, :attempt_count, :estimated_profit, :fee_paid,
        :tx_hashes, :history, :error, :detected_at, :finished_at)
ON CONFLICT (id) DO NOTHING`

var selectExecutionsByIdentityQuery = `
SELECT id, identity, kind, strategy, state, attempt_count, estimated_profit, fee_paid, tx_hashes, history, error,
       detected_at, finished_at, inserted_at
FROM executions
WHERE identity = $1
ORDER BY finished_at DESC`

// DBExecutionStore persists execution records to postgres, see sql/schema.sql
type DBExecutionStore struct {
	db *sqlx.DB

	insertExecution      *sqlx.NamedStmt
	selectByIdentityStmt *sqlx.Stmt
}

func NewDBExecutionStore(postgresDSN string) (*DBExecutionStore, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	insertExecution, err := db.PrepareNamed(insertExecutionQuery)
	if err != nil {
		return nil, err
	}
	selectByIdentity, err := db.Preparex(selectExecutionsByIdentityQuery)
	if err != nil {
		return nil, err
	}

	return &DBExecutionStore{
		db:                   db,
		insertExecution:      insertExecution,
		selectByIdentityStmt: selectByIdentity,
	}, nil
}

func (b *DBExecutionStore) ExecutionFinished(ctx context.Context, rec *ExecutionRecord) error {
	dbExec := DBExecution{
		ID:              rec.ID,
		Identity:        rec.Identity.Bytes(),
		Kind:            rec.Kind.String(),
		Strategy:        rec.Strategy,
		State:           rec.State.String(),
		AttemptCount:    rec.AttemptCount,
		EstimatedProfit: dbNullEth(rec.EstimatedProfit),
		FeePaid:         dbNullEth(rec.FeePaid),
		TxHashes:        strings.Join(hexesOf(rec.TxHashes), ","),
		History:         strings.Join(stateNamesOf(rec.History), ","),
		Error:           sql.NullString{String: rec.Error, Valid: rec.Error != ""},
		DetectedAt:      rec.DetectedAt,
		FinishedAt:      rec.FinishedAt,
	}
	_, err := b.insertExecution.ExecContext(ctx, dbExec)
	return err
}

// GetExecutionsByIdentity returns records of an identity, the latest first
func (b *DBExecutionStore) GetExecutionsByIdentity(ctx context.Context, identity common.Hash) ([]*ExecutionRecord, error) {
	var rows []DBExecution
	err := b.selectByIdentityStmt.SelectContext(ctx, &rows, identity.Bytes())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrExecutionNotFound
	}

	res := make([]*ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}

func (e *DBExecution) toRecord() (*ExecutionRecord, error) {
	kind, err := ParseKind(e.Kind)
	if err != nil {
		return nil, err
	}
	state, err := ParseState(e.State)
	if err != nil {
		return nil, err
	}
	rec := &ExecutionRecord{
		ID:              e.ID,
		Identity:        common.BytesToHash(e.Identity),
		Kind:            kind,
		Strategy:        e.Strategy,
		State:           state,
		AttemptCount:    e.AttemptCount,
		EstimatedProfit: dbEthToBig(e.EstimatedProfit),
		FeePaid:         dbEthToBig(e.FeePaid),
		Error:           e.Error.String,
		DetectedAt:      e.DetectedAt,
		FinishedAt:      e.FinishedAt,
	}
	if e.TxHashes != "" {
		for _, h := range strings.Split(e.TxHashes, ",") {
			rec.TxHashes = append(rec.TxHashes, common.HexToHash(h))
		}
	}
	if e.History != "" {
		for _, name := range strings.Split(e.History, ",") {
			s, err := ParseState(name)
			if err != nil {
				return nil, err
			}
			rec.History = append(rec.History, s)
		}
	}
	return rec, nil
}

func (b *DBExecutionStore) Close() error {
	return b.db.Close()
}

func dbNullEth(i *hexutil.Big) sql.NullString {
	if i == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: new(big.Rat).SetFrac(i.ToInt(), ethToWei).FloatString(18), Valid: true}
}

func dbEthToBig(s sql.NullString) *hexutil.Big {
	if !s.Valid {
		return nil
	}
	rat, ok := new(big.Rat).SetString(s.String)
	if !ok {
		return nil
	}
	rat.Mul(rat, new(big.Rat).SetInt(ethToWei))
	// values are stored with 18 decimals so the result is always an integer
	return (*hexutil.Big)(new(big.Int).Quo(rat.Num(), rat.Denom()))
}
