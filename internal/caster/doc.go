// Package caster 负责在 Tenderly fork 上完整执行一次 spell:
// 覆盖 Chief 的 hat、校验、schedule、跳过时间锁、cast，以及可选的公开分享。
//
// 每次运行都会创建新的 fork，失败时不做清理。
package caster
