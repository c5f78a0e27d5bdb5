package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cast-on-tenderly/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const defaultPollInterval = 500 * time.Millisecond

// Config describes how to reach a fork node.
type Config struct {
	RPCURL              string
	ReceiptPollInterval time.Duration
}

// Client implements web3.Node for Tenderly style EVM forks.
type Client struct {
	rpcClient    *gethrpc.Client
	eth          *ethclient.Client
	pollInterval time.Duration
	mu           sync.Mutex
}

// NewClient dials the fork RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 fork RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接 fork 节点失败: %w", err)
	}

	interval := cfg.ReceiptPollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Client{
		rpcClient:    rpcClient,
		eth:          ethclient.NewClient(rpcClient),
		pollInterval: interval,
	}, nil
}

// Dial adapts NewClient to the dialer signature used by the caster.
func Dial(pollInterval time.Duration) func(ctx context.Context, rpcURL string) (web3.Node, error) {
	return func(ctx context.Context, rpcURL string) (web3.Node, error) {
		client, err := NewClient(ctx, Config{RPCURL: rpcURL, ReceiptPollInterval: pollInterval})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

func (c *Client) rpc() (*gethrpc.Client, error) {
	if c == nil {
		return nil, errors.New("未初始化的 fork 客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient == nil {
		return nil, errors.New("fork 客户端已关闭")
	}
	return c.rpcClient, nil
}

// Accounts lists the unlocked accounts exposed by the fork.
func (c *Client) Accounts(ctx context.Context) ([]common.Address, error) {
	client, err := c.rpc()
	if err != nil {
		return nil, err
	}
	var accounts []common.Address
	if err := client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, fmt.Errorf("查询 fork 账户失败: %w", err)
	}
	return accounts, nil
}

// SetStorageAt overwrites a raw storage slot of a contract on the fork.
func (c *Client) SetStorageAt(ctx context.Context, contract common.Address, slot, value common.Hash) error {
	client, err := c.rpc()
	if err != nil {
		return err
	}
	var result json.RawMessage
	if err := client.CallContext(ctx, &result, "tenderly_setStorageAt", contract, slot.Hex(), value.Hex()); err != nil {
		return fmt.Errorf("写入存储槽失败: %w", err)
	}
	return nil
}

// IncreaseTime advances the fork clock by the given number of seconds.
func (c *Client) IncreaseTime(ctx context.Context, seconds uint64) error {
	client, err := c.rpc()
	if err != nil {
		return err
	}
	var result json.RawMessage
	if err := client.CallContext(ctx, &result, "evm_increaseTime", hexutil.EncodeUint64(seconds)); err != nil {
		return fmt.Errorf("推进 fork 时间失败: %w", err)
	}
	return nil
}

// Snapshot requests a fork snapshot. On Tenderly the returned identifier is
// the id of the latest fork transaction.
func (c *Client) Snapshot(ctx context.Context) (string, error) {
	client, err := c.rpc()
	if err != nil {
		return "", err
	}
	var id string
	if err := client.CallContext(ctx, &id, "evm_snapshot"); err != nil {
		return "", fmt.Errorf("创建 fork 快照失败: %w", err)
	}
	if strings.TrimSpace(id) == "" {
		return "", errors.New("fork 快照返回了空 ID")
	}
	return id, nil
}

// Call executes a read-only contract call at the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if c == nil {
		return nil, errors.New("未初始化的 fork 客户端")
	}
	c.mu.Lock()
	eth := c.eth
	c.mu.Unlock()
	if eth == nil {
		return nil, errors.New("fork 客户端已关闭")
	}
	out, err := eth.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用合约 %s 失败: %w", to.Hex(), err)
	}
	return out, nil
}

// SendTransaction submits an unsigned transaction from an unlocked fork
// account with a fixed gas allowance.
func (c *Client) SendTransaction(ctx context.Context, req web3.TxRequest) (common.Hash, error) {
	client, err := c.rpc()
	if err != nil {
		return common.Hash{}, err
	}
	if req.Gas == 0 {
		return common.Hash{}, errors.New("交易必须指定 gas")
	}
	args := map[string]any{
		"from": req.From,
		"to":   req.To,
		"gas":  hexutil.Uint64(req.Gas),
		"data": hexutil.Bytes(req.Data),
	}
	var hash common.Hash
	if err := client.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return hash, nil
}

type rpcReceipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockNumber     *hexutil.Big    `json:"blockNumber"`
	GasUsed         hexutil.Uint64  `json:"gasUsed"`
	Status          *hexutil.Uint64 `json:"status"`
}

// WaitReceipt polls until the transaction is mined. A receipt with status 0
// yields an error wrapping web3.ErrReverted together with the receipt.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (web3.Receipt, error) {
	client, err := c.rpc()
	if err != nil {
		return web3.Receipt{}, err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var raw *rpcReceipt
		if err := client.CallContext(ctx, &raw, "eth_getTransactionReceipt", hash); err != nil {
			if !errors.Is(err, gethcore.NotFound) {
				return web3.Receipt{}, fmt.Errorf("查询交易回执失败: %w", err)
			}
		}
		if raw != nil {
			receipt := web3.Receipt{
				TxHash:  hash,
				GasUsed: uint64(raw.GasUsed),
				Status:  1,
			}
			if raw.BlockNumber != nil {
				receipt.BlockNumber = raw.BlockNumber.ToInt().Uint64()
			}
			if raw.Status != nil {
				receipt.Status = uint64(*raw.Status)
			}
			if receipt.Status == 0 {
				return receipt, fmt.Errorf("交易 %s: %w", hash.Hex(), web3.ErrReverted)
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return web3.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
