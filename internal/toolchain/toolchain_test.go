package toolchain

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/appbootstrap/internal/domain"
	"github.com/animus-labs/appbootstrap/internal/settings"
)

type fakeRunner struct {
	calls []Command
	fail  map[string]string
}

func (f *fakeRunner) Run(_ context.Context, cmd Command) (Result, error) {
	f.calls = append(f.calls, cmd)
	if out, ok := f.fail[cmd.Name]; ok {
		return Result{ExitCode: 1, Output: out}, errors.New("exit status 1")
	}
	return Result{Output: "ok"}, nil
}

func (f *fakeRunner) names() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Name)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	root       string
	configPath string
	rendered   settings.Rendered
}

func newFixture(t *testing.T, inputs map[string]string, withFrontend bool) fixture {
	t.Helper()
	root := t.TempDir()
	if withFrontend {
		dir := filepath.Join(root, "frontend")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write package.json: %v", err)
		}
	}
	base := map[string]string{
		domain.KeyLicense: "LIC",
		domain.KeyDBHost:  "db",
		domain.KeyDBPort:  "3306",
		domain.KeyAppURL:  "https://app.example.com",
	}
	for k, v := range inputs {
		base[k] = v
	}
	rendered := settings.Render(domain.NewRequest(base))
	configPath := filepath.Join(root, ".env")
	if err := settings.WriteFile(configPath, rendered, settings.DefaultFileMode); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return fixture{root: root, configPath: configPath, rendered: rendered}
}

func TestInstallDependencies(t *testing.T) {
	runner := &fakeRunner{}
	tc := New(runner, DefaultPlan("frontend"), testLogger())
	root := t.TempDir()

	if err := tc.InstallDependencies(context.Background(), root); err != nil {
		t.Fatalf("InstallDependencies() err=%v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("calls=%v, want 1", runner.names())
	}
	call := runner.calls[0]
	if call.Args[0] != "composer" || call.Args[1] != "install" {
		t.Fatalf("Args=%v, want composer install", call.Args)
	}
	if call.Dir != root {
		t.Fatalf("Dir=%q, want %q", call.Dir, root)
	}
}

func TestInstallDependencies_FailureCarriesToolOutput(t *testing.T) {
	runner := &fakeRunner{fail: map[string]string{"composer-install": "Your lock file does not contain a compatible set of packages."}}
	tc := New(runner, DefaultPlan("frontend"), testLogger())

	err := tc.InstallDependencies(context.Background(), t.TempDir())
	if domain.KindOf(err) != domain.KindTool {
		t.Fatalf("kind=%q, want tool failure", domain.KindOf(err))
	}
	if !strings.Contains(err.Error(), "compatible set of packages") {
		t.Fatalf("error %q lacks tool output", err)
	}
}

func TestInitialize_FullSequence(t *testing.T) {
	fx := newFixture(t, nil, true)
	runner := &fakeRunner{}
	tc := New(runner, DefaultPlan("frontend"), testLogger())
	tc.Rand = bytes.NewReader(bytes.Repeat([]byte{7}, keyBytes))

	outcomes, err := tc.Initialize(context.Background(), fx.root, &fx.rendered, fx.configPath)
	if err != nil {
		t.Fatalf("Initialize() err=%v", err)
	}
	want := []string{"migrate", "npm-ci", "npm-build", "optimize-clear"}
	if got := runner.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("steps=%v, want %v", got, want)
	}
	if runner.calls[1].Dir != filepath.Join(fx.root, "frontend") {
		t.Fatalf("npm ran in %q, want frontend dir", runner.calls[1].Dir)
	}
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("outcomes=%+v", outcomes)
	}

	key, _ := fx.rendered.Get(settings.KeyAppKey)
	if !strings.HasPrefix(key, "base64:") {
		t.Fatalf("APP_KEY=%q, want base64: prefix", key)
	}
	data, err := os.ReadFile(fx.configPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "APP_KEY="+key+"\n") {
		t.Fatalf("generated key not persisted:\n%s", data)
	}
}

func TestInitialize_KeepsProvidedKey(t *testing.T) {
	fx := newFixture(t, map[string]string{settings.KeyAppKey: "base64:existing"}, false)
	tc := New(&fakeRunner{}, DefaultPlan("frontend"), testLogger())
	tc.Rand = errReader{}

	if _, err := tc.Initialize(context.Background(), fx.root, &fx.rendered, fx.configPath); err != nil {
		t.Fatalf("Initialize() err=%v", err)
	}
	if key, _ := fx.rendered.Get(settings.KeyAppKey); key != "base64:existing" {
		t.Fatalf("APP_KEY=%q, want the provided key", key)
	}
}

func TestInitialize_SkipsAssetsWithoutPackageJSON(t *testing.T) {
	fx := newFixture(t, nil, false)
	runner := &fakeRunner{}
	tc := New(runner, DefaultPlan("frontend"), testLogger())

	if _, err := tc.Initialize(context.Background(), fx.root, &fx.rendered, fx.configPath); err != nil {
		t.Fatalf("Initialize() err=%v", err)
	}
	if got, want := runner.names(), []string{"migrate", "optimize-clear"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("steps=%v, want %v", got, want)
	}
}

func TestInitialize_StopsAtFirstFailure(t *testing.T) {
	fx := newFixture(t, nil, true)
	runner := &fakeRunner{fail: map[string]string{"migrate": "SQLSTATE[HY000] [2002] Connection refused"}}
	tc := New(runner, DefaultPlan("frontend"), testLogger())

	_, err := tc.Initialize(context.Background(), fx.root, &fx.rendered, fx.configPath)
	if domain.KindOf(err) != domain.KindTool {
		t.Fatalf("kind=%q, want tool failure", domain.KindOf(err))
	}
	if !strings.Contains(err.Error(), "SQLSTATE[HY000]") {
		t.Fatalf("error %q lacks tool output", err)
	}
	if got := runner.names(); !reflect.DeepEqual(got, []string{"migrate"}) {
		t.Fatalf("steps=%v, want only migrate", got)
	}
}

func TestInitialize_BestEffortFailureIsNotEscalated(t *testing.T) {
	fx := newFixture(t, nil, false)
	runner := &fakeRunner{fail: map[string]string{"optimize-clear": "cache path missing"}}
	tc := New(runner, DefaultPlan("frontend"), testLogger())

	outcomes, err := tc.Initialize(context.Background(), fx.root, &fx.rendered, fx.configPath)
	if err != nil {
		t.Fatalf("Initialize() err=%v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Err == nil || outcomes[0].Step != "optimize-clear" {
		t.Fatalf("outcomes=%+v, want failed optimize-clear", outcomes)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey(bytes.NewReader(make([]byte, keyBytes)))
	if err != nil {
		t.Fatalf("GenerateKey() err=%v", err)
	}
	if key != "base64:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=" {
		t.Fatalf("GenerateKey()=%q", key)
	}
	if _, err := GenerateKey(errReader{}); err == nil {
		t.Fatalf("expected error from failing reader")
	}
}

func TestParsePlan_OverridesSections(t *testing.T) {
	input := []byte(`
dependencies:
  - name: composer-install
    command: [composer, install, --no-dev]
    timeout: 5m
best_effort: []
`)
	plan, err := ParsePlan(input, "frontend")
	if err != nil {
		t.Fatalf("ParsePlan() err=%v", err)
	}
	if got := plan.Dependencies[0].Command; !reflect.DeepEqual(got, []string{"composer", "install", "--no-dev"}) {
		t.Fatalf("dependencies=%v", got)
	}
	if plan.Dependencies[0].Timeout != 5*time.Minute {
		t.Fatalf("timeout=%v, want 5m", plan.Dependencies[0].Timeout)
	}
	if len(plan.BestEffort) != 0 {
		t.Fatalf("best_effort=%v, want empty", plan.BestEffort)
	}
	if len(plan.Migrate) != 1 || plan.Assets.Dir != "frontend" {
		t.Fatalf("untouched sections lost their defaults: %+v", plan)
	}
}

func TestParsePlan_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty command": "migrate:\n  - name: m\n    command: []\n",
		"escaping dir":  "migrate:\n  - command: [php]\n    dir: ../x\n",
		"bad yaml":      "migrate: [",
	}
	for name, input := range cases {
		if _, err := ParsePlan([]byte(input), "frontend"); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadPlan_DefaultWhenUnset(t *testing.T) {
	plan, err := LoadPlan("", "web")
	if err != nil {
		t.Fatalf("LoadPlan() err=%v", err)
	}
	if plan.Assets.Dir != "web" {
		t.Fatalf("Assets.Dir=%q, want web", plan.Assets.Dir)
	}
}

func TestExecRunner(t *testing.T) {
	var r ExecRunner
	res, err := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", "echo $GREETING; pwd"},
		Dir:  t.TempDir(),
		Env:  map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if !strings.HasPrefix(res.Output, "hello\n") {
		t.Fatalf("Output=%q", res.Output)
	}

	res, err = r.Run(context.Background(), Command{Args: []string{"sh", "-c", "echo boom >&2; exit 3"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.ExitCode != 3 || !strings.Contains(res.Output, "boom") {
		t.Fatalf("res=%+v", res)
	}

	if _, err := r.Run(context.Background(), Command{Args: []string{"definitely-not-a-real-binary-xyz"}}); err == nil {
		t.Fatalf("expected lookup error")
	}
}
