package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	xerrors "cast-on-tenderly/internal/errors"
)

// main 是 cast-on-tenderly 命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cast-on-tenderly 运行失败: %v\n", err)
		os.Exit(xerrors.ExitCode(err))
	}
}
