// Package txn runs multi-step transactions as sagas: operations run in
// dependency order, independent ones concurrently, and a failure undoes
// every completed operation by running its compensation in reverse
// completion order.
//
// Execute owns all scheduling state on the calling goroutine. Forward
// actions run on their own goroutines and report back on a channel, so the
// scheduler never polls. Compensations run one at a time on the calling
// goroutine.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/clock"
	"github.com/yyupcompany/kyyupgame-sub087/internal/idgen"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
	"github.com/yyupcompany/kyyupgame-sub087/internal/store"
)

// DefaultOperationTimeout bounds each forward action and compensation
// unless the operation sets its own Timeout.
const DefaultOperationTimeout = 30 * time.Second

// Orchestrator executes transactions.
//
// Thread-safety: Execute may be called concurrently for different
// transactions.
type Orchestrator struct {
	journal        Journal
	wall           clock.Wall
	seq            *clock.Logical
	ids            idgen.Generator
	maxParallel    int
	defaultTimeout time.Duration
	lateWait       time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithJournal records progress in j. Default: a MemoryJournal.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

// WithClock sets the wall clock used for journal timestamps.
func WithClock(c clock.Wall) Option {
	return func(o *Orchestrator) {
		o.wall = c
	}
}

// WithIDGenerator sets the generator for transactions submitted without an
// id.
func WithIDGenerator(g idgen.Generator) Option {
	return func(o *Orchestrator) {
		o.ids = g
	}
}

// WithMaxParallel bounds how many forward actions of one transaction run
// at once. 0 means unbounded.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) {
		o.maxParallel = max(n, 0)
	}
}

// WithDefaultTimeout sets the timeout for operations without their own.
// 0 disables it.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.defaultTimeout = d
	}
}

// WithLateWait bounds how long a rollback waits for a timed-out forward
// action to report back before compensating it in the background. 0 waits
// as long as the operation's own timeout.
func WithLateWait(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.lateWait = max(d, 0)
	}
}

// New creates an orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		journal:        NewMemoryJournal(),
		wall:           clock.System{},
		seq:            clock.NewLogical(),
		ids:            idgen.UUIDv7Generator{},
		defaultTimeout: DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Journal returns the journal the orchestrator writes to.
func (o *Orchestrator) Journal() Journal {
	return o.journal
}

// opState is the scheduler's view of one operation. It is only touched by
// the goroutine running Execute.
type opState struct {
	op         Operation
	status     model.OperationStatus
	result     model.Object
	err        error
	seq        int64
	waiting    int // dependencies not yet completed
	dependents []string

	// late delivers the result of a forward action that timed out.
	late <-chan reply
}

type completion struct {
	id     string
	result model.Object
	err    error
	late   <-chan reply
}

type run struct {
	o     *Orchestrator
	tx    Transaction
	ops   map[string]*opState
	order []*opState

	ready     []string
	running   int
	completed []string // completion order
	stopping  bool

	failedOp      string
	failureReason string
	rollbacks     []model.RollbackLogEntry

	journalErr error
	createdAt  time.Time
}

// Execute runs a transaction to completion or rollback.
//
// Validation failures, including a DependencyCycleError, are returned
// before any operation runs. A failed operation is not an error: the
// returned Outcome has status rolled_back. A failed compensation is
// returned as a RollbackFailureError together with an Outcome of status
// failed.
//
// The transaction id is claimed in the journal before anything runs, so of
// several concurrent calls with one id only the first runs; the others
// return ErrDuplicateTransaction.
func (o *Orchestrator) Execute(ctx context.Context, tx Transaction) (*Outcome, error) {
	if tx.ID == "" {
		tx.ID = o.ids.Generate()
	}
	if err := Validate(tx); err != nil {
		return nil, err
	}

	r := newRun(o, tx)
	r.createdAt = o.wall.Now()
	// A context cancelled before the start still gets a journaled
	// cancelled outcome.
	err := o.journal.BeginTransaction(context.WithoutCancel(ctx), model.TransactionRecord{
		TransactionID: tx.ID,
		Status:        model.TransactionPending,
		CreatedAt:     r.createdAt,
		UpdatedAt:     r.createdAt,
	})
	switch {
	case errors.Is(err, store.ErrExists):
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.ID)
	case err != nil:
		return nil, fmt.Errorf("execute %s: %w", tx.ID, err)
	}
	return r.execute(ctx)
}

func newRun(o *Orchestrator, tx Transaction) *run {
	r := &run{
		o:   o,
		tx:  tx,
		ops: make(map[string]*opState, len(tx.Operations)),
	}
	for _, op := range tx.Operations {
		st := &opState{
			op:      op,
			status:  model.OperationPending,
			waiting: len(op.DependsOn),
		}
		r.ops[op.ID] = st
		r.order = append(r.order, st)
	}
	for _, st := range r.order {
		for _, dep := range st.op.DependsOn {
			r.ops[dep].dependents = append(r.ops[dep].dependents, st.op.ID)
		}
		if st.waiting == 0 {
			r.ready = append(r.ready, st.op.ID)
		}
	}
	return r
}

func (r *run) execute(ctx context.Context) (*Outcome, error) {
	// Journal writes must survive the caller giving up.
	jctx := context.WithoutCancel(ctx)
	for _, st := range r.order {
		r.writeOperation(jctx, st)
	}

	if err := ctx.Err(); err != nil {
		for _, st := range r.order {
			st.status = model.OperationCancelled
			r.writeOperation(jctx, st)
		}
		r.failureReason = ErrCancelled.Error()
		slog.Info("transaction cancelled before start", "transaction_id", r.tx.ID)
		return r.finish(jctx, model.TransactionCancelled, nil)
	}

	slog.Debug("transaction started",
		"transaction_id", r.tx.ID,
		"operations", len(r.order),
	)

	done := make(chan completion, len(r.order))
	cancelled := ctx.Done()
	for {
		r.checkCancelled(ctx)
		for !r.stopping && len(r.ready) > 0 && (r.o.maxParallel == 0 || r.running < r.o.maxParallel) {
			id := r.ready[0]
			r.ready = r.ready[1:]
			r.start(jctx, r.ops[id], done)
		}
		if r.running == 0 {
			break
		}

		select {
		case c := <-done:
			r.handle(jctx, c)
		case <-cancelled:
			cancelled = nil
		}
	}

	if !r.stopping && len(r.completed) == len(r.order) {
		slog.Info("transaction completed",
			"transaction_id", r.tx.ID,
			"operations", len(r.order),
		)
		return r.finish(jctx, model.TransactionCompleted, nil)
	}

	for _, st := range r.order {
		if st.status == model.OperationPending {
			st.status = model.OperationCancelled
			r.writeOperation(jctx, st)
		}
	}

	if err := r.compensate(jctx); err != nil {
		return r.finish(jctx, model.TransactionFailed, err)
	}

	slog.Info("transaction rolled back",
		"transaction_id", r.tx.ID,
		"failed_operation", r.failedOp,
		"reason", r.failureReason,
		"compensated", len(r.completed),
	)
	return r.finish(jctx, model.TransactionRolledBack, nil)
}

// checkCancelled stops scheduling once the caller's context is done.
// Running operations are left to finish.
func (r *run) checkCancelled(ctx context.Context) {
	if r.stopping || ctx.Err() == nil {
		return
	}
	r.stopping = true
	r.failureReason = ErrCancelled.Error()
	slog.Info("transaction cancelled, waiting for running operations",
		"transaction_id", r.tx.ID,
		"running", r.running,
	)
}

// start launches a forward action with the results of its dependencies.
func (r *run) start(ctx context.Context, st *opState, done chan<- completion) {
	deps := make(Deps, len(st.op.DependsOn))
	for _, dep := range st.op.DependsOn {
		deps[dep] = r.ops[dep].result.Clone()
	}

	st.status = model.OperationRunning
	r.running++
	r.writeOperation(ctx, st)

	timeout := r.timeout(st.op)
	go func() {
		result, late, err := runBounded(ctx, st.op.ID, timeout, func(ctx context.Context) (model.Object, error) {
			return st.op.Forward(ctx, deps)
		})
		done <- completion{id: st.op.ID, result: result, err: err, late: late}
	}()
}

func (r *run) handle(ctx context.Context, c completion) {
	r.running--
	st := r.ops[c.id]

	if c.err != nil {
		st.status = model.OperationFailed
		st.err = c.err
		st.late = c.late
		r.writeOperation(ctx, st)
		slog.Warn("operation failed",
			"transaction_id", r.tx.ID,
			"operation_id", c.id,
			"error", c.err,
		)
		if r.failedOp == "" {
			r.failedOp = c.id
			r.failureReason = c.err.Error()
		}
		r.stopping = true
		return
	}

	st.status = model.OperationCompleted
	st.result = c.result
	st.seq = r.o.seq.Next()
	r.completed = append(r.completed, c.id)
	r.writeOperation(ctx, st)
	slog.Debug("operation completed",
		"transaction_id", r.tx.ID,
		"operation_id", c.id,
		"seq", st.seq,
	)

	for _, id := range st.dependents {
		dep := r.ops[id]
		dep.waiting--
		if dep.waiting == 0 {
			r.ready = append(r.ready, id)
		}
	}
}

// compensate undoes completed operations in reverse completion order,
// starting with forward actions that completed after timing out. The first
// failing compensation stops the rollback.
func (r *run) compensate(ctx context.Context) error {
	undo := append(slices.Clone(r.completed), r.settleLate(ctx)...)
	for i := len(undo) - 1; i >= 0; i-- {
		st := r.ops[undo[i]]
		if err := r.undo(ctx, st); err != nil {
			notAttempted := make([]string, i)
			for j := range i {
				notAttempted[j] = undo[i-1-j]
			}
			slog.Error("rollback failed",
				"event", "rollback_failure",
				"fatal", true,
				"transaction_id", r.tx.ID,
				"operation_id", st.op.ID,
				"not_attempted", notAttempted,
				"error", err,
			)
			return &RollbackFailureError{
				TransactionID: r.tx.ID,
				OperationID:   st.op.ID,
				Err:           err,
				NotAttempted:  notAttempted,
			}
		}
	}
	return nil
}

// undo runs one compensation and logs it in the rollback log.
func (r *run) undo(ctx context.Context, st *opState) error {
	st.status = model.OperationCompensating
	r.writeOperation(ctx, st)

	action := "noop"
	if st.op.Compensate != nil {
		action = "compensate"
		_, _, err := runBounded(ctx, st.op.ID, r.timeout(st.op), func(ctx context.Context) (model.Object, error) {
			return nil, st.op.Compensate(ctx, st.result.Clone())
		})
		if err != nil {
			st.err = err
			r.writeOperation(ctx, st)
			return err
		}
	}

	st.status = model.OperationRolledBack
	r.writeOperation(ctx, st)
	r.appendRollback(ctx, model.RollbackLogEntry{
		TransactionID: r.tx.ID,
		OperationID:   st.op.ID,
		Action:        action,
		TargetID:      st.op.TargetID,
		Seq:           r.o.seq.Next(),
		Timestamp:     r.o.wall.Now(),
	})
	return nil
}

// settleLate waits for forward actions that timed out and returns, in
// arrival order, those that completed after all. An action still running
// after the wait is compensated in the background once it finishes.
func (r *run) settleLate(ctx context.Context) []string {
	var done []string
	for _, st := range r.order {
		if st.late == nil {
			continue
		}
		late := st.late
		st.late = nil

		wait := r.o.lateWait
		if wait == 0 {
			wait = r.timeout(st.op)
		}
		timer := time.NewTimer(wait)
		select {
		case rep := <-late:
			timer.Stop()
			if rep.err != nil {
				continue
			}
			st.status = model.OperationCompleted
			st.result = rep.result
			st.seq = r.o.seq.Next()
			r.writeOperation(ctx, st)
			slog.Warn("operation completed after its timeout",
				"transaction_id", r.tx.ID,
				"operation_id", st.op.ID,
			)
			done = append(done, st.op.ID)
		case <-timer.C:
			slog.Warn("operation still running after its timeout",
				"transaction_id", r.tx.ID,
				"operation_id", st.op.ID,
				"waited", wait,
			)
			go r.o.compensateLate(r.tx.ID, st.op, r.timeout(st.op), late)
		}
	}
	return done
}

// compensateLate undoes a forward action that finished after its
// transaction was rolled back.
func (o *Orchestrator) compensateLate(txID string, op Operation, timeout time.Duration, late <-chan reply) {
	rep := <-late
	if rep.err != nil {
		return
	}

	ctx := context.Background()
	action := "noop"
	if op.Compensate != nil {
		action = "compensate"
		_, _, err := runBounded(ctx, op.ID, timeout, func(ctx context.Context) (model.Object, error) {
			return nil, op.Compensate(ctx, rep.result.Clone())
		})
		if err != nil {
			slog.Error("late compensation failed",
				"event", "rollback_failure",
				"fatal", true,
				"transaction_id", txID,
				"operation_id", op.ID,
				"error", err,
			)
			return
		}
	}

	// The operation never completed in order, so it keeps seq 0 and sorts
	// after every other rolled back operation.
	err := errors.Join(
		o.journal.WriteOperation(ctx, model.OperationRecord{
			TransactionID: txID,
			OperationID:   op.ID,
			Type:          op.Type,
			TargetID:      op.TargetID,
			Status:        model.OperationRolledBack,
			Result:        rep.result,
			Error:         (&TimeoutError{OperationID: op.ID, Timeout: timeout}).Error(),
			ExecutedAt:    o.wall.Now(),
		}),
		o.journal.AppendRollback(ctx, model.RollbackLogEntry{
			TransactionID: txID,
			OperationID:   op.ID,
			Action:        action,
			TargetID:      op.TargetID,
			Seq:           o.seq.Next(),
			Timestamp:     o.wall.Now(),
		}),
	)
	if err != nil {
		slog.Error("journal write failed",
			"transaction_id", txID,
			"error", err,
		)
	}
	slog.Info("late operation compensated",
		"transaction_id", txID,
		"operation_id", op.ID,
	)
}

// finish writes the transaction header and builds the outcome. A journal
// failure is returned only if nothing more serious happened.
func (r *run) finish(ctx context.Context, status model.TransactionStatus, err error) (*Outcome, error) {
	r.writeTransaction(ctx, status)

	out := &Outcome{
		TransactionID:       r.tx.ID,
		Status:              status,
		CompletedOperations: append([]string(nil), r.completed...),
		RollbackLog:         r.rollbacks,
		FailedOperation:     r.failedOp,
		FailureReason:       r.failureReason,
	}
	for _, st := range r.order {
		out.Operations = append(out.Operations, r.report(st))
	}

	if err == nil && r.journalErr != nil {
		err = fmt.Errorf("journal transaction %s: %w", r.tx.ID, r.journalErr)
	}
	return out, err
}

func (r *run) report(st *opState) OperationReport {
	rep := OperationReport{
		ID:        st.op.ID,
		Type:      st.op.Type,
		TargetID:  st.op.TargetID,
		DependsOn: st.op.DependsOn,
		Status:    st.status,
		Result:    st.result,
		Seq:       st.seq,
	}
	if st.err != nil {
		rep.Error = st.err.Error()
	}
	return rep
}

func (r *run) timeout(op Operation) time.Duration {
	if op.Timeout > 0 {
		return op.Timeout
	}
	return r.o.defaultTimeout
}
