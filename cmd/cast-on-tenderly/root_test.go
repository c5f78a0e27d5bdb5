package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cast-on-tenderly/internal/caster"
	xerrors "cast-on-tenderly/internal/errors"
	"cast-on-tenderly/internal/tenderly"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const testSpell = "0x00000000000000000000000000000000005bEEf1"

// fakeTenderly serves both the REST API and the fork JSON-RPC endpoint.
type fakeTenderly struct {
	mu          sync.Mutex
	calls       []string
	storage     map[common.Hash]common.Hash
	hatSlot     common.Hash
	ignoreWrite bool
	sentTx      int

	api *httptest.Server
	rpc *httptest.Server
}

func (f *fakeTenderly) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTenderly) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeEth struct{ f *fakeTenderly }

func (e *fakeEth) Accounts() []common.Address {
	e.f.record("eth_accounts")
	return []common.Address{common.HexToAddress("0x00000000000000000000000000000000000a11ce")}
}

func (e *fakeEth) Call(args map[string]any, block string) (hexutil.Bytes, error) {
	input, ok := args["input"].(string)
	if !ok {
		input, _ = args["data"].(string)
	}
	switch {
	case strings.HasPrefix(input, "0xfe95a5ce"):
		e.f.record("hat")
		e.f.mu.Lock()
		defer e.f.mu.Unlock()
		value := e.f.storage[e.f.hatSlot]
		return value.Bytes(), nil
	case strings.HasPrefix(input, "0xf7992d85"):
		e.f.record("eta")
		return common.Hash{}.Bytes(), nil
	}
	return nil, fmt.Errorf("unexpected call %s", input)
}

func (e *fakeEth) SendTransaction(args map[string]any) (common.Hash, error) {
	data, _ := args["data"].(string)
	method := "cast"
	if data == "0xb0604a26" {
		method = "schedule"
	}
	e.f.record("send:" + method)
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	e.f.sentTx++
	return common.BytesToHash([]byte{byte(e.f.sentTx)}), nil
}

func (e *fakeEth) GetTransactionReceipt(hash common.Hash) map[string]any {
	return map[string]any{"transactionHash": hash, "blockNumber": "0x1", "gasUsed": "0x1", "status": "0x1"}
}

type fakeTenderlyRPC struct{ f *fakeTenderly }

func (t *fakeTenderlyRPC) SetStorageAt(contract common.Address, slot, value common.Hash) error {
	t.f.record("tenderly_setStorageAt")
	if t.f.ignoreWrite {
		return nil
	}
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	t.f.storage[slot] = value
	t.f.hatSlot = slot
	return nil
}

type fakeEVM struct{ f *fakeTenderly }

func (e *fakeEVM) IncreaseTime(seconds hexutil.Uint64) string {
	e.f.record(fmt.Sprintf("evm_increaseTime:%d", uint64(seconds)))
	return seconds.String()
}

func (e *fakeEVM) Snapshot() string {
	e.f.record("evm_snapshot")
	return "b3c6c2b8-7d5e-4df4-9a63-15e3c3f0a0aa"
}

func newFakeTenderly(t *testing.T) *fakeTenderly {
	t.Helper()
	f := &fakeTenderly{storage: make(map[common.Hash]common.Hash)}

	f.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := "/api/v1/account/maker/project/spells/fork"
		switch {
		case r.URL.Path == base:
			f.record("create_fork")
			_, _ = w.Write([]byte(`{"simulation_fork":{"id":"fork-42"}}`))
		case strings.HasPrefix(r.URL.Path, base+"/fork-42/transaction/") && strings.HasSuffix(r.URL.Path, "/share"):
			f.record("share:" + strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, base+"/fork-42/transaction/"), "/share"))
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.api.Close)

	server := gethrpc.NewServer()
	for name, svc := range map[string]any{
		"eth":      &fakeEth{f: f},
		"tenderly": &fakeTenderlyRPC{f: f},
		"evm":      &fakeEVM{f: f},
	} {
		if err := server.RegisterName(name, svc); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	f.rpc = httptest.NewServer(server)
	t.Cleanup(f.rpc.Close)
	t.Cleanup(server.Stop)
	return f
}

func (f *fakeTenderly) writeConfig(t *testing.T) string {
	t.Helper()
	content := fmt.Sprintf(`
receipt_poll_interval_ms: 5
tenderly:
  api_base_url: %q
  rpc_base_url: %q
  dashboard_base_url: "https://dashboard.tenderly.co"
log:
  level: error
`, f.api.URL+"/api/v1", f.rpc.URL+"/fork")
	path := filepath.Join(t.TempDir(), "cast.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func setCredentials(t *testing.T) {
	t.Setenv("TENDERLY_USER", "maker")
	t.Setenv("TENDERLY_PROJECT", "spells")
	t.Setenv("TENDERLY_ACCESS_KEY", "secret")
	t.Setenv("CAST_CONFIG", "")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMissingEnvironmentFailsBeforeNetwork(t *testing.T) {
	fake := newFakeTenderly(t)
	setCredentials(t)
	t.Setenv("TENDERLY_ACCESS_KEY", "")

	_, err := execute(t, "--config", fake.writeConfig(t), testSpell)
	if xerrors.CodeOf(err) != xerrors.CodeMissingEnv {
		t.Fatalf("expected missing env error, got %v", err)
	}
	if !strings.Contains(err.Error(), "TENDERLY_USER, TENDERLY_PROJECT, TENDERLY_ACCESS_KEY") {
		t.Fatalf("error should enumerate all variables: %v", err)
	}
	if calls := fake.recorded(); len(calls) != 0 {
		t.Fatalf("no network call expected, got %v", calls)
	}
}

func TestMissingSpellFailsBeforeNetwork(t *testing.T) {
	fake := newFakeTenderly(t)
	setCredentials(t)

	_, err := execute(t, "--config", fake.writeConfig(t))
	if xerrors.CodeOf(err) != xerrors.CodeUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
	if xerrors.ExitCode(err) != 2 {
		t.Fatalf("usage errors exit with 2, got %d", xerrors.ExitCode(err))
	}
	if calls := fake.recorded(); len(calls) != 0 {
		t.Fatalf("no network call expected, got %v", calls)
	}
}

func TestCastEndToEnd(t *testing.T) {
	fake := newFakeTenderly(t)
	setCredentials(t)

	out, err := execute(t, "--config", fake.writeConfig(t), testSpell)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out) != "successfully cast" {
		t.Fatalf("unexpected output %q", out)
	}
	want := []string{
		"create_fork",
		"tenderly_setStorageAt",
		"hat",
		"eth_accounts",
		"send:schedule",
		"evm_increaseTime:60",
		"send:cast",
	}
	if got := fake.recorded(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected calls\n got: %v\nwant: %v", got, want)
	}
}

func TestCastEndToEndPublish(t *testing.T) {
	fake := newFakeTenderly(t)
	setCredentials(t)

	out, err := execute(t, "--config", fake.writeConfig(t), "--publish", "--tolerate-schedule-failure", testSpell)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := "https://dashboard.tenderly.co/shared/fork/simulation/b3c6c2b8-7d5e-4df4-9a63-15e3c3f0a0aa"
	if strings.TrimSpace(out) != want {
		t.Fatalf("unexpected output %q", out)
	}
	calls := fake.recorded()
	if calls[len(calls)-1] != "share:b3c6c2b8-7d5e-4df4-9a63-15e3c3f0a0aa" {
		t.Fatalf("last call should share the snapshot transaction, got %v", calls)
	}
}

func TestCastStopsWhenHatIsMissing(t *testing.T) {
	fake := newFakeTenderly(t)
	fake.ignoreWrite = true
	setCredentials(t)

	_, err := execute(t, "--config", fake.writeConfig(t), testSpell)
	if xerrors.CodeOf(err) != xerrors.CodeIntegrityFailure {
		t.Fatalf("expected integrity failure, got %v", err)
	}
	for _, call := range fake.recorded() {
		if strings.HasPrefix(call, "send:") || strings.HasPrefix(call, "evm_") {
			t.Fatalf("no schedule/cast expected after hat mismatch, got %v", fake.recorded())
		}
	}
}

func TestInvalidSpellFailsBeforeNetwork(t *testing.T) {
	for _, arg := range []string{"0xSPELL", "5beef1", "0x0000000000000000000000000000000000000000"} {
		t.Run(arg, func(t *testing.T) {
			fake := newFakeTenderly(t)
			setCredentials(t)

			out, err := execute(t, "--config", fake.writeConfig(t), arg)
			if xerrors.CodeOf(err) != xerrors.CodeUsage {
				t.Fatalf("expected usage error, got %v (output %q)", err, out)
			}
			if calls := fake.recorded(); len(calls) != 0 {
				t.Fatalf("no network call expected, got %v", calls)
			}
		})
	}
}

func TestFlagsOverrideProfile(t *testing.T) {
	fake := newFakeTenderly(t)
	setCredentials(t)

	out, err := execute(t, "--config", fake.writeConfig(t), "--hat-slot", "3", "--warp", "120", "--publish", testSpell)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "https://dashboard.tenderly.co/shared/fork/simulation/") {
		t.Fatalf("--publish not applied, output %q", out)
	}
	fake.mu.Lock()
	slot := fake.hatSlot
	fake.mu.Unlock()
	if slot != common.HexToHash("0x03") {
		t.Fatalf("--hat-slot not applied, wrote slot %s", slot.Hex())
	}
	calls := strings.Join(fake.recorded(), ",")
	if !strings.Contains(calls, "evm_increaseTime:120") {
		t.Fatalf("--warp not applied, calls %s", calls)
	}
}

func TestLogFailureLevels(t *testing.T) {
	result := &caster.Result{
		Stage: caster.StageAuthorityOverridden,
		Fork:  tenderly.Fork{DashboardURL: "https://dashboard.tenderly.co/maker/spells/fork/fork-42"},
	}
	cases := []struct {
		name  string
		err   error
		want  []string
		empty bool
	}{
		{
			name: "integrity",
			err:  xerrors.New(xerrors.CodeIntegrityFailure, "", xerrors.WithMetadata("hat", "0x0")),
			want: []string{"level=ERROR", "code=INTEGRITY_FAILURE", "hat=0x0", "stage=authority_overridden", "fork_url="},
		},
		{
			name: "share",
			err:  xerrors.Wrap(xerrors.CodeShareFailure, errors.New("403"), ""),
			want: []string{"level=WARN", "code=SHARE_FAILURE"},
		},
		{
			name:  "startup",
			err:   xerrors.New(xerrors.CodeUsage, ""),
			empty: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logFailure(slog.New(slog.NewTextHandler(&buf, nil)), result, tc.err)
			line := buf.String()
			if tc.empty {
				if line != "" {
					t.Fatalf("startup errors must not be logged, got %q", line)
				}
				return
			}
			for _, want := range tc.want {
				if !strings.Contains(line, want) {
					t.Fatalf("log line %q missing %q", line, want)
				}
			}
		})
	}
}
