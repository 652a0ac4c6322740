package policy

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"tollgate/gateway/receipt"
)

type fakeOracle struct {
	mu    sync.Mutex
	reps  map[string]Reputation
	err   error
	calls int
}

func (f *fakeOracle) QueryReputation(_ context.Context, agentID *big.Int) (Reputation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Reputation{}, f.err
	}
	rep, ok := f.reps[agentID.String()]
	if !ok {
		return Reputation{Count: big.NewInt(0), Score: big.NewInt(0)}, nil
	}
	return rep, nil
}

func TestBlacklistSet(t *testing.T) {
	bl := NewBlacklist()
	bl.Add("0xAbCd")
	if !bl.Contains("0xabcd") || !bl.Contains(" 0xABCD ") {
		t.Fatalf("blacklist should match case-insensitively")
	}
	bl.Add("0xabcd")
	if got := len(bl.List()); got != 1 {
		t.Fatalf("duplicate add should not grow the set, len=%d", got)
	}
	if !bl.Remove("0xABCD") {
		t.Fatalf("remove should report presence")
	}
	if bl.Remove("0xabcd") {
		t.Fatalf("second remove should report absence")
	}
	if bl.Contains("0xabcd") {
		t.Fatalf("removed address still blocked")
	}
}

func TestCheckerBlacklist(t *testing.T) {
	bl := NewBlacklist()
	bl.Add("0xBad")
	c := NewChecker(bl, nil, nil, nil)

	if d := c.Check(context.Background(), "0xbad", ""); d == nil || d.ReasonCode != receipt.ReasonAgentBlocked {
		t.Fatalf("blacklisted address should deny, got %+v", d)
	}
	if d := c.Check(context.Background(), "0xGood", ""); d != nil {
		t.Fatalf("clean address denied: %+v", d)
	}
	if d := c.Check(context.Background(), "", ""); d != nil {
		t.Fatalf("missing header should skip, got %+v", d)
	}
}

func TestCheckerReputation(t *testing.T) {
	oracle := &fakeOracle{reps: map[string]Reputation{
		"7": {Count: big.NewInt(12), Score: big.NewInt(40)},
		"8": {Count: big.NewInt(3), Score: big.NewInt(90)},
		"9": {Count: big.NewInt(0), Score: big.NewInt(0)},
	}}
	c := NewChecker(NewBlacklist(), oracle, big.NewInt(50), nil)

	if d := c.Check(context.Background(), "", "7"); d == nil || d.ReasonCode != receipt.ReasonReputationTooLow {
		t.Fatalf("low score should deny, got %+v", d)
	}
	if d := c.Check(context.Background(), "", "8"); d != nil {
		t.Fatalf("high score denied: %+v", d)
	}
	// count == 0 means no history, which passes regardless of score.
	if d := c.Check(context.Background(), "", "9"); d != nil {
		t.Fatalf("zero-count agent denied: %+v", d)
	}
	if d := c.Check(context.Background(), "", ""); d != nil {
		t.Fatalf("missing agent id should skip, got %+v", d)
	}
	if d := c.Check(context.Background(), "", "not-a-number"); d != nil {
		t.Fatalf("unparsable agent id should skip, got %+v", d)
	}
}

func TestCheckerOracleFailureSkips(t *testing.T) {
	oracle := &fakeOracle{err: fmt.Errorf("rpc down")}
	c := NewChecker(NewBlacklist(), oracle, big.NewInt(50), nil)
	if d := c.Check(context.Background(), "", "7"); d != nil {
		t.Fatalf("oracle failure should not block traffic, got %+v", d)
	}
}

func TestCachedOracle(t *testing.T) {
	inner := &fakeOracle{reps: map[string]Reputation{
		"7": {Count: big.NewInt(1), Score: big.NewInt(80)},
	}}
	cached := NewCachedOracle(inner, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cached.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		rep, err := cached.QueryReputation(context.Background(), big.NewInt(7))
		if err != nil || rep.Score.Int64() != 80 {
			t.Fatalf("query %d: %+v err=%v", i, rep, err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("cache should absorb repeats, inner calls=%d", inner.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := cached.QueryReputation(context.Background(), big.NewInt(7)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expired entry should refetch, inner calls=%d", inner.calls)
	}

	// Errors pass through uncached.
	inner.err = fmt.Errorf("rpc down")
	if _, err := cached.QueryReputation(context.Background(), big.NewInt(8)); err == nil {
		t.Fatalf("error should surface")
	}
}

type fakeCaller struct {
	lastCall ethereum.CallMsg
	ret      []byte
	err      error
}

func (f *fakeCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastCall = call
	return f.ret, f.err
}

func TestEVMOracleEncoding(t *testing.T) {
	ret := make([]byte, 64)
	big.NewInt(12).FillBytes(ret[:32])
	big.NewInt(87).FillBytes(ret[32:])
	caller := &fakeCaller{ret: ret}
	contract := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	oracle := NewEVMOracle(caller, contract)

	rep, err := oracle.QueryReputation(context.Background(), big.NewInt(7))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rep.Count.Int64() != 12 || rep.Score.Int64() != 87 {
		t.Fatalf("decoded reputation: %+v", rep)
	}
	if caller.lastCall.To == nil || *caller.lastCall.To != contract {
		t.Fatalf("call target: %+v", caller.lastCall.To)
	}
	data := caller.lastCall.Data
	if len(data) != 36 {
		t.Fatalf("calldata length: %d", len(data))
	}
	if data[35] != 7 {
		t.Fatalf("agent id not right-aligned in calldata")
	}

	caller.ret = []byte{1, 2, 3}
	if _, err := oracle.QueryReputation(context.Background(), big.NewInt(7)); err == nil {
		t.Fatalf("short return should fail")
	}
}
