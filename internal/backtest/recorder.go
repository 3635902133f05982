package backtest

import (
	"context"
	"fmt"
)

// Recorder 接收引擎逐条产生的回测记录。
type Recorder interface {
	RecordOrder(ctx context.Context, order Order) error
	RecordPosition(ctx context.Context, pos Position) error
	// RecordSnapshots 按批接收资金快照，每批至多 SnapshotBatch 条。
	RecordSnapshots(ctx context.Context, snaps []Snapshot) error
	RecordSignal(ctx context.Context, sig SignalRecord) error
}

// ResultRecorder 把引擎事件写入 ResultStore。
type ResultRecorder struct {
	store *ResultStore
}

func NewResultRecorder(store *ResultStore) *ResultRecorder {
	return &ResultRecorder{store: store}
}

func (r *ResultRecorder) ready() error {
	if r == nil || r.store == nil {
		return fmt.Errorf("result recorder 未初始化")
	}
	return nil
}

func (r *ResultRecorder) RecordOrder(ctx context.Context, order Order) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.store.InsertOrder(ctx, order)
}

func (r *ResultRecorder) RecordPosition(ctx context.Context, pos Position) error {
	if err := r.ready(); err != nil {
		return err
	}
	_, err := r.store.InsertPosition(ctx, &pos)
	return err
}

func (r *ResultRecorder) RecordSnapshots(ctx context.Context, snaps []Snapshot) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.store.InsertSnapshots(ctx, snaps)
}

func (r *ResultRecorder) RecordSignal(ctx context.Context, sig SignalRecord) error {
	if err := r.ready(); err != nil {
		return err
	}
	_, err := r.store.InsertSignal(ctx, sig)
	return err
}
