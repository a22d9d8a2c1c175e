package ledger

import (
	"context"
	stderrors "errors"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/bardlex/poolportal/internal/database/redis"
	"github.com/bardlex/poolportal/pkg/errors"
)

func newRedisLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redis.NewClient(context.Background(), &redis.Config{URL: "redis://" + mr.Addr() + "/0"})
	if err != nil {
		t.Fatalf("redis.NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return newTestLedger(client), mr
}

// fakeStore records batches and replays canned results
type fakeStore struct {
	samples  map[string]string
	readErr  error
	execErr  error
	replies  []redis.Reply
	executed [][]any
}

func (f *fakeStore) HGetAll(_ context.Context, _ string) (map[string]string, error) {
	return f.samples, f.readErr
}

func (f *fakeStore) TxDo(_ context.Context, cmds [][]any) ([]redis.Reply, error) {
	f.executed = cmds
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.replies, nil
}

func TestHandleShares_ValidShare(t *testing.T) {
	l, mr := newRedisLedger(t)
	nowMs := testNow.UnixMilli()

	mr.HSet(l.Keys().Current(TimesLast), "example", strconv.FormatInt(nowMs-300000, 10))
	mr.HSet(l.Keys().Current(SharesValues), "example", "1")
	mr.HSet(l.Keys().Current(SharesCounts), FieldValidShares, "1")

	replies, err := l.HandleShares(context.Background(), exampleShare(), true, false)
	if err != nil {
		t.Fatalf("HandleShares() error = %v", err)
	}
	if len(replies) != 5 {
		t.Fatalf("len(replies) = %d, want 5", len(replies))
	}
	for i, r := range replies {
		if r.Err != nil {
			t.Errorf("replies[%d].Err = %v", i, r.Err)
		}
	}

	elapsed, _ := replies[0].Val.(string)
	if v, err := strconv.ParseFloat(elapsed, 64); err != nil || v != 300 {
		t.Errorf("hincrbyfloat reply = %v, want 300", replies[0].Val)
	}
	wantInts := map[int]int64{1: 0, 2: 2, 3: 2, 4: 1}
	for i, want := range wantInts {
		if replies[i].Val != want {
			t.Errorf("replies[%d].Val = %v (%T), want %d", i, replies[i].Val, replies[i].Val, want)
		}
	}

	if got := mr.HGet(l.Keys().Current(TimesLast), "example"); got != strconv.FormatInt(nowMs, 10) {
		t.Errorf("times:last = %q, want %d", got, nowMs)
	}
	members, err := mr.ZMembers(l.Keys().Current(SharesRecords))
	if err != nil || len(members) != 1 {
		t.Errorf("shares:records members = %v, %v, want one record", members, err)
	}
}

func TestHandleShares_InvalidShare(t *testing.T) {
	l, mr := newRedisLedger(t)

	replies, err := l.HandleShares(context.Background(), exampleShare(), false, false)
	if err != nil {
		t.Fatalf("HandleShares() error = %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("len(replies) = %d, want 2", len(replies))
	}
	if got := mr.HGet(l.Keys().Current(SharesCounts), FieldInvalidShares); got != "1" {
		t.Errorf("invalidShares = %q, want 1", got)
	}
	if mr.Exists(l.Keys().Current(TimesLast)) {
		t.Error("invalid share must not stamp times:last")
	}
}

func TestHandleShares_BlockRotatesRound(t *testing.T) {
	l, mr := newRedisLedger(t)
	nowMs := testNow.UnixMilli()
	mr.HSet(l.Keys().Current(TimesLast), "example", strconv.FormatInt(nowMs-60000, 10))

	share := exampleShare()
	share.Hash = "00000000000000000001a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f7"

	replies, err := l.HandleShares(context.Background(), share, true, true)
	if err != nil {
		t.Fatalf("HandleShares() error = %v", err)
	}
	if len(replies) != 10 {
		t.Fatalf("len(replies) = %d, want 10", len(replies))
	}
	for i, r := range replies {
		if r.Err != nil {
			t.Errorf("replies[%d].Err = %v", i, r.Err)
		}
	}

	for _, suffix := range []string{TimesLast, TimesValues, SharesValues} {
		if mr.Exists(l.Keys().Current(suffix)) {
			t.Errorf("%s still exists after rotation", l.Keys().Current(suffix))
		}
		if !mr.Exists(l.Keys().Round(1972211, suffix)) {
			t.Errorf("%s missing after rotation", l.Keys().Round(1972211, suffix))
		}
	}
	if got := mr.HGet(l.Keys().Round(1972211, SharesValues), "example"); got != "1" {
		t.Errorf("archived shares:values = %q, want 1", got)
	}
	if got := mr.HGet(l.Keys().Main(BlocksCounts), FieldValidBlocks); got != "1" {
		t.Errorf("validBlocks = %q, want 1", got)
	}
	pending, err := mr.SMembers(l.Keys().Main(BlocksPending))
	if err != nil || len(pending) != 1 {
		t.Errorf("blocks:pending = %v, %v, want one descriptor", pending, err)
	}
}

func TestHandleShares_RejectedBlock(t *testing.T) {
	l, mr := newRedisLedger(t)

	share := exampleShare()
	share.Hash = "abcd"

	if _, err := l.HandleShares(context.Background(), share, true, false); err != nil {
		t.Fatalf("HandleShares() error = %v", err)
	}
	if got := mr.HGet(l.Keys().Main(BlocksCounts), FieldInvalidBlocks); got != "1" {
		t.Errorf("invalidBlocks = %q, want 1", got)
	}
	if mr.Exists(l.Keys().Main(BlocksPending)) {
		t.Error("rejected block must not be pending")
	}
}

func TestExecuteCommands_CommandError(t *testing.T) {
	l, mr := newRedisLedger(t)

	// times:values is missing so the first rename fails on its own
	mr.HSet(l.Keys().Current(TimesLast), "example", "1")
	mr.HSet(l.Keys().Current(SharesValues), "example", "1")

	share := exampleShare()
	share.Hash = "abcd"
	cmds := l.BuildBlocksCommands(share, true, true)

	var failed []int
	replies, err := l.ExecuteCommands(context.Background(), cmds, func(index int, err error) {
		failed = append(failed, index)
		if !errors.IsType(err, errors.ErrorTypeLedger) {
			t.Errorf("callback error type = %v, want ledger", err)
		}
	})
	if err != nil {
		t.Fatalf("ExecuteCommands() error = %v", err)
	}
	if len(replies) != len(cmds) {
		t.Fatalf("len(replies) = %d, want %d", len(replies), len(cmds))
	}
	if len(failed) != 1 || failed[0] != 1 {
		t.Errorf("failed indexes = %v, want [1]", failed)
	}
	if got := mr.HGet(l.Keys().Main(BlocksCounts), FieldValidBlocks); got != "1" {
		t.Errorf("validBlocks = %q, want 1 despite the failed rename", got)
	}
}

func TestExecuteCommands_GroupFailure(t *testing.T) {
	store := &fakeStore{execErr: stderrors.New("connection reset by peer")}
	l := newTestLedger(store)

	called := false
	replies, err := l.ExecuteCommands(context.Background(),
		[]Command{{"hincrby", "k", "f", 1}},
		func(int, error) { called = true })
	if err == nil {
		t.Fatal("ExecuteCommands() error = nil, want group failure")
	}
	if replies != nil {
		t.Errorf("replies = %v, want nil", replies)
	}
	if called {
		t.Error("callback invoked for a group failure")
	}
	if !errors.IsType(err, errors.ErrorTypeDatabase) {
		t.Errorf("error type mismatch: %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("connection reset should be retryable")
	}
}

func TestHandleShares_ReadFailure(t *testing.T) {
	store := &fakeStore{readErr: stderrors.New("i/o timeout")}
	l := newTestLedger(store)

	if _, err := l.HandleShares(context.Background(), exampleShare(), true, false); err == nil {
		t.Fatal("HandleShares() error = nil, want read failure")
	}
	if store.executed != nil {
		t.Error("batch executed after a failed read")
	}
}

func TestHandleShares_UsesSamples(t *testing.T) {
	store := &fakeStore{
		samples: map[string]string{"example": strconv.FormatInt(testNow.UnixMilli()-42000, 10)},
		replies: make([]redis.Reply, 5),
	}
	l := newTestLedger(store)

	if _, err := l.HandleShares(context.Background(), exampleShare(), true, false); err != nil {
		t.Fatalf("HandleShares() error = %v", err)
	}
	if len(store.executed) != 5 {
		t.Fatalf("executed %d commands, want 5", len(store.executed))
	}
	if got := store.executed[0][3]; got != 42.0 {
		t.Errorf("elapsed = %v, want 42", got)
	}
}
