package nodetree

import (
	"context"
	"fmt"
)

// Transaction buffers set operations and commits them as a single batch.
// Reads are unaffected by an open transaction.
type Transaction struct {
	conn  Connection
	items []SetItem
	done  bool
}

// BeginTransaction starts a buffered set batch over a connection. Most
// callers use Tree.WithTransaction or Session.WithTransaction instead.
func BeginTransaction(conn Connection) *Transaction {
	return &Transaction{conn: conn}
}

// Set buffers a typed write of a node handle. Nodes from different trees on
// the same connection may be mixed; paths are buffered in absolute form.
func (tx *Transaction) Set(node Node, value any) error {
	if tx.done {
		return ErrTxDone
	}
	if err := node.checkKnown(); err != nil {
		return err
	}
	item, err := node.setItem(value)
	if err != nil {
		return err
	}
	tx.items = append(tx.items, item)
	return nil
}

func (tx *Transaction) SetInt(node Node, v int64) error      { return tx.Set(node, v) }
func (tx *Transaction) SetDouble(node Node, v float64) error { return tx.Set(node, v) }
func (tx *Transaction) SetString(node Node, v string) error  { return tx.Set(node, v) }

// Add buffers a raw item. Used by callers that already hold typed items,
// e.g. settings apply.
func (tx *Transaction) Add(item SetItem) error {
	if tx.done {
		return ErrTxDone
	}
	tx.items = append(tx.items, item)
	return nil
}

// Len returns the number of buffered items.
func (tx *Transaction) Len() int { return len(tx.items) }

// Commit sends the batch. An empty transaction commits nothing and
// succeeds. The transaction is unusable afterwards.
func (tx *Transaction) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if len(tx.items) == 0 {
		return nil
	}
	if _, err := tx.conn.Set(ctx, tx.items); err != nil {
		return fmt.Errorf("commit %d sets: %w", len(tx.items), wrapHubError(err))
	}
	return nil
}

// WithTransaction runs fn with a transaction bound to this tree's
// connection and commits it when fn returns nil. Nothing is sent when fn
// fails.
func (t *Tree) WithTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	tx := BeginTransaction(t.conn)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
