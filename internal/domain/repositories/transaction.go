package repositories

import "context"

// TxFn runs against the transaction carried in ctx.
type TxFn func(ctx context.Context) error

// TransactionManager composes multi-record engine mutations, such as an edit
// replacing a turn, into one commit. The local store ships without one; the
// engine treats a nil manager as plain sequential execution.
type TransactionManager interface {
	ExecTx(ctx context.Context, fn TxFn) error
}
