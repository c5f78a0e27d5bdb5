package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"cast-on-tenderly/internal/caster"
	"cast-on-tenderly/internal/config"
	xerrors "cast-on-tenderly/internal/errors"
	"cast-on-tenderly/internal/notify"
	"cast-on-tenderly/internal/tenderly"
	"cast-on-tenderly/internal/web3/ethereum"
	"cast-on-tenderly/pkg/logger"
)

type options struct {
	configPath string
	tolerate   bool
	publish    bool
	hatSlot    uint64
	networkID  uint64
	warp       uint64
	from       string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "cast-on-tenderly <spell-address>",
		Short: "Schedule and cast a governance spell on a fresh Tenderly fork",
		Long: "Creates a Tenderly fork, gives the spell the hat of the Chief by overwriting its storage,\n" +
			"schedules the spell, warps past the timelock and casts it.\n\n" +
			"Requires TENDERLY_USER, TENDERLY_PROJECT and TENDERLY_ACCESS_KEY.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "YAML run profile (default $CAST_CONFIG)")
	flags.BoolVar(&opts.tolerate, "tolerate-schedule-failure", false, "log a failed schedule() and cast anyway")
	flags.BoolVar(&opts.publish, "publish", false, "share the final fork transaction and print its public URL")
	flags.Uint64Var(&opts.hatSlot, "hat-slot", config.DefaultHatSlot, "storage slot of the Chief hat")
	flags.Uint64Var(&opts.networkID, "network-id", config.DefaultNetworkID, "network to fork")
	flags.Uint64Var(&opts.warp, "warp", config.DefaultTimeWarpSeconds, "seconds to advance between schedule and cast")
	flags.StringVar(&opts.from, "from", "", "sender address (default: first fork account)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, opts *options, args []string) error {
	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}
	var spellArg string
	if len(args) > 0 {
		spellArg = args[0]
	}
	if _, err := caster.ParseSpell(spellArg); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Log); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "初始化日志失败")
	}
	defer func() { _ = logger.Sync() }()

	forks, err := tenderly.NewClient(tenderly.Config{
		APIBaseURL:       cfg.Tenderly.APIBaseURL,
		RPCBaseURL:       cfg.Tenderly.RPCBaseURL,
		DashboardBaseURL: cfg.Tenderly.DashboardBaseURL,
		User:             creds.User,
		Project:          creds.Project,
		AccessKey:        creds.AccessKey,
	}, &http.Client{Timeout: cfg.Tenderly.HTTPTimeout()})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "")
	}

	notifier := buildNotifier(ctx, cfg, logger.Named("notify"))
	defer func() { _ = notifier.Close() }()

	settings := caster.Settings{
		NetworkID:               cfg.NetworkID,
		ChiefAddress:            common.HexToAddress(cfg.ChiefAddress),
		HatSlot:                 cfg.HatSlot,
		GasLimit:                cfg.GasLimit,
		TimeWarp:                cfg.TimeWarpSeconds,
		TolerateScheduleFailure: cfg.TolerateScheduleFailure,
		Publish:                 cfg.Publish,
	}
	if cfg.From != "" {
		settings.From = common.HexToAddress(cfg.From)
	}

	c := caster.New(forks, ethereum.Dial(cfg.ReceiptPollInterval()), settings,
		caster.WithLogger(logger.Named("caster")),
		caster.WithAuditLogger(logger.Audit()),
	)
	result, runErr := c.Run(ctx, spellArg)

	if notifier.Len() > 0 {
		// 通知失败只记录日志，不改变退出状态。
		_ = notifier.Notify(context.WithoutCancel(ctx), notify.NewEvent(result, runErr, time.Now()))
	}
	if runErr != nil {
		logFailure(logger.L(), result, runErr)
		return runErr
	}

	printResult(cmd.OutOrStdout(), result)
	return nil
}

func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		path = os.Getenv("CAST_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("tolerate-schedule-failure") {
		cfg.TolerateScheduleFailure = opts.tolerate
	}
	if flags.Changed("publish") {
		cfg.Publish = opts.publish
	}
	if flags.Changed("hat-slot") {
		cfg.HatSlot = opts.hatSlot
	}
	if flags.Changed("network-id") {
		cfg.NetworkID = opts.networkID
	}
	if flags.Changed("warp") {
		cfg.TimeWarpSeconds = opts.warp
	}
	if flags.Changed("from") {
		cfg.From = opts.from
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logFailure 按错误码登记的严重程度记录失败。启动阶段的错误没有创建 fork，
// 只由 main 打印。
func logFailure(log *slog.Logger, result *caster.Result, err error) {
	if xerrors.IsStartup(err) {
		return
	}
	attrs := []any{slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err)}
	if e, ok := xerrors.From(err); ok {
		for key, value := range e.Metadata() {
			attrs = append(attrs, slog.String(key, value))
		}
	}
	if result != nil {
		attrs = append(attrs, slog.String("stage", string(result.Stage)))
		if result.Fork.DashboardURL != "" {
			attrs = append(attrs, slog.String("fork_url", result.Fork.DashboardURL))
		}
	}
	log.Log(context.Background(), severityLevel(xerrors.SeverityOf(err)), "run aborted", attrs...)
}

func severityLevel(sev xerrors.Severity) slog.Level {
	switch sev {
	case xerrors.SeverityInfo:
		return slog.LevelInfo
	case xerrors.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// buildNotifier 连接配置的通知渠道，连接失败的渠道被跳过。
func buildNotifier(ctx context.Context, cfg *config.Config, log *slog.Logger) *notify.Fanout {
	var notifiers []notify.Notifier
	if redisCfg := cfg.Notify.Redis; redisCfg.Address != "" {
		n, err := notify.NewRedisNotifier(ctx, notify.RedisConfig{
			Address:  redisCfg.Address,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
			Channel:  redisCfg.Channel,
		})
		if err != nil {
			log.Warn("跳过 Redis 通知渠道", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, n)
		}
	}
	if mqCfg := cfg.Notify.RabbitMQ; mqCfg.URL != "" {
		n, err := notify.NewRabbitMQNotifier(notify.RabbitMQConfig{
			URL:        mqCfg.URL,
			Exchange:   mqCfg.Exchange,
			RoutingKey: mqCfg.RoutingKey,
		})
		if err != nil {
			log.Warn("跳过 RabbitMQ 通知渠道", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, n)
		}
	}
	return notify.NewFanout(log, notifiers...)
}

func printResult(out io.Writer, result *caster.Result) {
	if result.SharedURL != "" {
		fmt.Fprintln(out, result.SharedURL)
		return
	}
	fmt.Fprintln(out, "successfully cast")
}
