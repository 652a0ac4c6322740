package policy

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Reputation is one agent's on-chain standing.
type Reputation struct {
	Count *big.Int `json:"count"`
	Score *big.Int `json:"score"`
}

// Oracle reads agent reputation. Tests substitute an in-process fake.
type Oracle interface {
	QueryReputation(ctx context.Context, agentID *big.Int) (Reputation, error)
}

// ContractCaller is the slice of the Ethereum RPC the oracle needs.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialContractCaller connects to an EVM RPC endpoint.
func DialContractCaller(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("reputation rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// getReputationSelector is the 4-byte selector of
// getReputation(uint256) returning (uint256 count, uint256 score).
var getReputationSelector = ethcrypto.Keccak256([]byte("getReputation(uint256)"))[:4]

// EVMOracle reads reputation from a contract via eth_call.
type EVMOracle struct {
	client   ContractCaller
	contract common.Address
}

// NewEVMOracle builds an oracle bound to one contract.
func NewEVMOracle(client ContractCaller, contract common.Address) *EVMOracle {
	return &EVMOracle{client: client, contract: contract}
}

// QueryReputation performs the contract call at the latest block.
func (o *EVMOracle) QueryReputation(ctx context.Context, agentID *big.Int) (Reputation, error) {
	if agentID == nil || agentID.Sign() < 0 {
		return Reputation{}, fmt.Errorf("agent id must be a non-negative integer")
	}
	data := make([]byte, 4+32)
	copy(data, getReputationSelector)
	agentID.FillBytes(data[4:])

	out, err := o.client.CallContract(ctx, ethereum.CallMsg{To: &o.contract, Data: data}, nil)
	if err != nil {
		return Reputation{}, fmt.Errorf("reputation call: %w", err)
	}
	if len(out) < 64 {
		return Reputation{}, fmt.Errorf("reputation call returned %d bytes, want 64", len(out))
	}
	return Reputation{
		Count: new(big.Int).SetBytes(out[:32]),
		Score: new(big.Int).SetBytes(out[32:64]),
	}, nil
}

type cacheEntry struct {
	rep     Reputation
	expires time.Time
}

// CachedOracle memoises oracle answers per agent for a TTL so a hot
// agent does not hit the RPC on every request. Errors are not cached.
type CachedOracle struct {
	inner Oracle
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	nowFn   func() time.Time
}

// NewCachedOracle wraps an oracle with a TTL cache. A non-positive
// ttl defaults to a minute.
func NewCachedOracle(inner Oracle, ttl time.Duration) *CachedOracle {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedOracle{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		nowFn:   time.Now,
	}
}

// SetClock overrides the cache clock for tests.
func (c *CachedOracle) SetClock(now func() time.Time) { c.nowFn = now }

// QueryReputation serves from cache when fresh, otherwise queries the
// wrapped oracle and caches the answer.
func (c *CachedOracle) QueryReputation(ctx context.Context, agentID *big.Int) (Reputation, error) {
	key := agentID.String()
	now := c.nowFn()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.rep, nil
	}

	rep, err := c.inner.QueryReputation(ctx, agentID)
	if err != nil {
		return Reputation{}, err
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{rep: rep, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return rep, nil
}
