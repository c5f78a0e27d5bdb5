package caster

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	xerrors "cast-on-tenderly/internal/errors"
	"cast-on-tenderly/internal/tenderly"
	"cast-on-tenderly/internal/web3"
	"cast-on-tenderly/internal/web3/maker"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Stage 表示一次运行已经到达的步骤。
type Stage string

const (
	StageStart               Stage = "start"
	StageForkCreated         Stage = "fork_created"
	StageAuthorityOverridden Stage = "authority_overridden"
	StageAuthorityVerified   Stage = "authority_verified"
	StageScheduled           Stage = "scheduled"
	StageTimeAdvanced        Stage = "time_advanced"
	StageCast                Stage = "cast"
	StagePublished           Stage = "published"
	StageDone                Stage = "done"
)

// ForkProvider 创建模拟 fork 并公开其中的交易。
type ForkProvider interface {
	CreateFork(ctx context.Context, networkID uint64) (tenderly.Fork, error)
	ShareTransaction(ctx context.Context, forkID, transactionID string) (string, error)
}

// Dialer 连接 fork 的 RPC 端点。
type Dialer func(ctx context.Context, rpcURL string) (web3.Node, error)

// Settings 是一次运行的链上参数。
type Settings struct {
	NetworkID    uint64
	ChiefAddress common.Address
	// HatSlot 是 Chief 合约中 hat 字段所在的存储槽位，取决于具体部署的存储布局。
	HatSlot  uint64
	GasLimit uint64
	TimeWarp uint64
	// From 为零地址时使用 fork 暴露的第一个账户。
	From common.Address
	// TolerateScheduleFailure 为 true 时 schedule() 失败只记录告警，继续推进时间并 cast。
	TolerateScheduleFailure bool
	// Publish 为 true 时公开最后一笔 fork 交易并返回分享链接。
	Publish bool
}

// Result 汇总一次运行的产出，失败时同样返回已到达的步骤。
type Result struct {
	RunID            string
	Spell            common.Address
	Fork             tenderly.Fork
	Stage            Stage
	ScheduleTx       common.Hash
	ScheduleErr      error
	AlreadyScheduled bool
	CastTx           common.Hash
	SnapshotID       string
	SharedURL        string
}

// Caster 在全新的 fork 上授予 spell hat 并执行它。
type Caster struct {
	forks    ForkProvider
	dial     Dialer
	settings Settings
	logger   *slog.Logger
	audit    *slog.Logger
	newRunID func() string
}

// Option 定义可选的 Caster 配置。
type Option func(*Caster)

// WithLogger 设置进度日志。
func WithLogger(logger *slog.Logger) Option {
	return func(c *Caster) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAuditLogger 设置记录状态变更调用的审计日志。
func WithAuditLogger(logger *slog.Logger) Option {
	return func(c *Caster) {
		if logger != nil {
			c.audit = logger
		}
	}
}

// WithRunID 替换运行 ID 生成器。
func WithRunID(fn func() string) Option {
	return func(c *Caster) {
		if fn != nil {
			c.newRunID = fn
		}
	}
}

// New 创建一个 Caster。
func New(forks ForkProvider, dial Dialer, settings Settings, opts ...Option) *Caster {
	c := &Caster{
		forks:    forks,
		dial:     dial,
		settings: settings,
		logger:   slog.Default(),
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.audit == nil {
		c.audit = c.logger
	}
	return c
}

// ParseSpell 校验并解析 spell 地址。非十六进制地址与零地址均视为用法错误。
func ParseSpell(arg string) (common.Address, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return common.Address{}, xerrors.New(xerrors.CodeUsage, "请提供 spell 地址，例如: cast-on-tenderly 0x...")
	}
	if !common.IsHexAddress(arg) {
		return common.Address{}, xerrors.New(xerrors.CodeUsage, fmt.Sprintf("spell 地址格式无效: %q", arg))
	}
	addr := common.HexToAddress(arg)
	if addr == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeUsage, "spell 地址不能为零地址")
	}
	return addr, nil
}

// Run 依次执行: 创建 fork、覆盖 hat、校验 hat、schedule、推进时间、cast，
// 以及可选的公开分享。任一致命错误都会立即终止，fork 保留在远端不做清理。
func (c *Caster) Run(ctx context.Context, spellArg string) (*Result, error) {
	result := &Result{RunID: c.newRunID(), Stage: StageStart}
	log := c.logger.With(slog.String("run_id", result.RunID))

	spellAddr, err := ParseSpell(spellArg)
	if err != nil {
		return result, err
	}
	result.Spell = spellAddr
	log = log.With(slog.String("spell", spellAddr.Hex()))

	fork, err := c.forks.CreateFork(ctx, c.settings.NetworkID)
	if err != nil {
		return result, xerrors.Wrap(xerrors.CodeForkProvision, err, "创建 tenderly fork 失败")
	}
	result.Fork = fork
	result.Stage = StageForkCreated
	log.Info("tenderly fork is created", slog.String("fork_url", fork.DashboardURL))

	node, err := c.dial(ctx, fork.RPCURL)
	if err != nil {
		return result, xerrors.Wrap(xerrors.CodeRPCFailure, err, "连接 fork 节点失败")
	}
	defer node.Close()

	log.Info("getting the hat...")
	slot := maker.HatSlotKey(c.settings.HatSlot)
	if err := node.SetStorageAt(ctx, c.settings.ChiefAddress, slot, maker.HatSlotValue(spellAddr)); err != nil {
		return result, xerrors.Wrap(xerrors.CodeRPCFailure, err, "覆盖 hat 失败")
	}
	c.audit.Info("storage overridden",
		slog.String("run_id", result.RunID),
		slog.String("contract", c.settings.ChiefAddress.Hex()),
		slog.String("slot", slot.Hex()),
		slog.String("value", spellAddr.Hex()))
	result.Stage = StageAuthorityOverridden

	log.Info("checking the hat...")
	hat, err := maker.NewChief(c.settings.ChiefAddress, node).Hat(ctx)
	if err != nil {
		return result, xerrors.Wrap(xerrors.CodeRPCFailure, err, "读取 hat 失败")
	}
	if hat != spellAddr {
		return result, xerrors.New(xerrors.CodeIntegrityFailure, "",
			xerrors.WithMetadata("hat", hat.Hex()),
			xerrors.WithMetadata("spell", spellAddr.Hex()))
	}
	result.Stage = StageAuthorityVerified

	from, err := c.sender(ctx, node)
	if err != nil {
		return result, err
	}

	spell := maker.NewSpell(spellAddr, node)

	log.Info("scheduling spell on a fork...")
	scheduleTx, err := c.submit(ctx, node, spell.ScheduleTx(from, c.settings.GasLimit), result.RunID, "schedule")
	result.ScheduleTx = scheduleTx
	if err != nil {
		if !c.settings.TolerateScheduleFailure {
			return result, xerrors.Wrap(xerrors.CodeScheduleFailure, err, "")
		}
		result.ScheduleErr = err
		result.AlreadyScheduled = c.alreadyScheduled(ctx, spell)
		log.Warn("spell scheduling failed, continuing",
			slog.Any("error", err),
			slog.Bool("already_scheduled", result.AlreadyScheduled))
	}
	result.Stage = StageScheduled

	log.Info("warping the time...", slog.Uint64("seconds", c.settings.TimeWarp))
	if err := node.IncreaseTime(ctx, c.settings.TimeWarp); err != nil {
		return result, xerrors.Wrap(xerrors.CodeRPCFailure, err, "推进 fork 时间失败")
	}
	result.Stage = StageTimeAdvanced

	log.Info("casting spell on a fork...")
	castTx, err := c.submit(ctx, node, spell.CastTx(from, c.settings.GasLimit), result.RunID, "cast")
	result.CastTx = castTx
	if err != nil {
		return result, c.txError(err, "cast 失败")
	}
	result.Stage = StageCast

	if c.settings.Publish {
		if err := c.publish(ctx, node, result); err != nil {
			return result, err
		}
		result.Stage = StagePublished
		log.Info("simulation is shared", slog.String("url", result.SharedURL))
	}

	result.Stage = StageDone
	log.Info("successfully cast", slog.String("cast_tx", castTx.Hex()))
	return result, nil
}

func (c *Caster) sender(ctx context.Context, node web3.Node) (common.Address, error) {
	if c.settings.From != (common.Address{}) {
		return c.settings.From, nil
	}
	accounts, err := node.Accounts(ctx)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, "查询 fork 账户失败")
	}
	if len(accounts) == 0 {
		return common.Address{}, xerrors.New(xerrors.CodeRPCFailure, "fork 未提供可用账户")
	}
	return accounts[0], nil
}

func (c *Caster) submit(ctx context.Context, node web3.Node, tx web3.TxRequest, runID, method string) (common.Hash, error) {
	hash, err := node.SendTransaction(ctx, tx)
	if err != nil {
		return common.Hash{}, err
	}
	c.audit.Info("transaction submitted",
		slog.String("run_id", runID),
		slog.String("method", method),
		slog.String("from", tx.From.Hex()),
		slog.String("to", tx.To.Hex()),
		slog.String("tx", hash.Hex()))
	if _, err := node.WaitReceipt(ctx, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

func (c *Caster) txError(err error, message string) error {
	if stdErrors.Is(err, web3.ErrReverted) {
		return xerrors.Wrap(xerrors.CodeTransactionReverted, err, message)
	}
	return xerrors.Wrap(xerrors.CodeRPCFailure, err, message)
}

// alreadyScheduled 通过 eta() 区分 “已经 schedule 过” 与 “schedule 真正失败”。
func (c *Caster) alreadyScheduled(ctx context.Context, spell *maker.Spell) bool {
	eta, err := spell.Eta(ctx)
	if err != nil {
		c.logger.Debug("eta lookup failed", slog.Any("error", err))
		return false
	}
	return eta != nil && eta.Cmp(big.NewInt(0)) > 0
}

func (c *Caster) publish(ctx context.Context, node web3.Node, result *Result) error {
	id, err := node.Snapshot(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRPCFailure, err, "获取最新交易 ID 失败")
	}
	result.SnapshotID = id

	url, err := c.forks.ShareTransaction(ctx, result.Fork.ID, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeShareFailure, err, fmt.Sprintf("公开交易 %s 失败", id))
	}
	result.SharedURL = url
	return nil
}
