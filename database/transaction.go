package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.mau.fi/util/dbutil"

	"go.mau.fi/fedsync/fedtypes"
)

const (
	getTransactionResponseQuery = `
		SELECT response FROM received_transaction WHERE origin=$1 AND txn_id=$2
	`
	putTransactionResponseQuery = `
		INSERT INTO received_transaction (origin, txn_id, response, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (origin, txn_id) DO UPDATE
			SET response=excluded.response, received_at=excluded.received_at
	`
	pruneTransactionsQuery = `
		DELETE FROM received_transaction WHERE received_at<$1
	`
)

// TransactionQuery remembers the responses to processed transactions so that
// retransmissions can be answered without processing them again.
type TransactionQuery struct {
	*dbutil.Database
}

func (tq *TransactionQuery) GetTransactionResponse(ctx context.Context, origin, txnID string) (*fedtypes.RespSend, error) {
	var resp fedtypes.RespSend
	err := tq.QueryRow(ctx, getTransactionResponseQuery, origin, txnID).Scan(dbutil.JSON{Data: &resp})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (tq *TransactionQuery) SaveTransactionResponse(ctx context.Context, origin, txnID string, resp *fedtypes.RespSend) error {
	_, err := tq.Exec(ctx, putTransactionResponseQuery, origin, txnID, dbutil.JSON{Data: resp}, time.Now().UnixMilli())
	return err
}

// Prune deletes transactions received before the given time and returns the
// number of deleted rows.
func (tq *TransactionQuery) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := tq.Exec(ctx, pruneTransactionsQuery, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
