package txn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// reply is the eventual result of a bounded call.
type reply struct {
	result model.Object
	err    error
}

// runBounded runs fn under a timeout. fn runs on its own goroutine so a
// function that ignores its context cannot hold up the caller. When the
// deadline passes first, runBounded returns a TimeoutError and the channel
// on which fn's result will still be delivered. A panic in fn is returned
// as an error.
func runBounded(ctx context.Context, opID string, timeout time.Duration, fn func(context.Context) (model.Object, error)) (model.Object, <-chan reply, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- reply{err: fmt.Errorf("operation %s panicked: %v", opID, p)}
			}
		}()
		result, err := fn(ctx)
		ch <- reply{result: result, err: err}
	}()

	select {
	case rep := <-ch:
		return rep.result, nil, rep.err
	case <-ctx.Done():
		return nil, ch, &TimeoutError{OperationID: opID, Timeout: timeout}
	}
}

func (r *run) writeTransaction(ctx context.Context, status model.TransactionStatus) {
	err := r.o.journal.WriteTransaction(ctx, model.TransactionRecord{
		TransactionID:   r.tx.ID,
		Status:          status,
		FailedOperation: r.failedOp,
		FailureReason:   r.failureReason,
		CreatedAt:       r.createdAt,
		UpdatedAt:       r.o.wall.Now(),
	})
	r.noteJournalErr(err)
}

func (r *run) writeOperation(ctx context.Context, st *opState) {
	rec := model.OperationRecord{
		TransactionID: r.tx.ID,
		OperationID:   st.op.ID,
		Type:          st.op.Type,
		TargetID:      st.op.TargetID,
		Status:        st.status,
		Result:        st.result,
		Seq:           st.seq,
		ExecutedAt:    r.o.wall.Now(),
	}
	if st.err != nil {
		rec.Error = st.err.Error()
	}
	r.noteJournalErr(r.o.journal.WriteOperation(ctx, rec))
}

func (r *run) appendRollback(ctx context.Context, entry model.RollbackLogEntry) {
	r.rollbacks = append(r.rollbacks, entry)
	r.noteJournalErr(r.o.journal.AppendRollback(ctx, entry))
}

// noteJournalErr keeps the first journal failure. Journaling never stops a
// transaction midway.
func (r *run) noteJournalErr(err error) {
	if err == nil {
		return
	}
	slog.Error("journal write failed",
		"transaction_id", r.tx.ID,
		"error", err,
	)
	if r.journalErr == nil {
		r.journalErr = err
	}
}
