package smoke

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func buildSpecforgeBinary(t *testing.T) string {
	t.Helper()
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "specforge")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/specforge")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("build binary: %v\n%s", err, buf.String())
	}
	return outPath
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// runCLI runs the binary against home and returns combined output plus
// the exit code.
func runCLI(t *testing.T, bin, home string, args ...string) (string, int) {
	t.Helper()
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(),
		"SPECFORGE_HOME="+home,
		"SPECFORGE_NO_TUI=1",
	)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	code := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			t.Fatalf("run %v: %v\n%s", args, err, buf.String())
		}
		code = exitErr.ExitCode()
	}
	return buf.String(), code
}

func TestSmoke_RunBuildsStarterWidget(t *testing.T) {
	bin := buildSpecforgeBinary(t)
	home := t.TempDir()

	out, code := runCLI(t, bin, home, "run", "a", "read-only", "five", "star", "rating", "widget")
	if code != 0 {
		t.Fatalf("run exit code %d\n%s", code, out)
	}
	if !strings.Contains(out, "bld-") {
		t.Fatalf("output missing build id:\n%s", out)
	}
	if !strings.Contains(out, "success") {
		t.Fatalf("output missing terminal status:\n%s", out)
	}
	if !strings.Contains(out, "artifact:") {
		t.Fatalf("output missing artifact path:\n%s", out)
	}

	// The artifact path printed must exist on disk.
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "artifact: "); ok {
			if _, err := os.Stat(strings.TrimSpace(rest)); err != nil {
				t.Fatalf("printed artifact missing on disk: %v", err)
			}
		}
	}
}

func TestSmoke_RepeatRunReplaysSameBuild(t *testing.T) {
	bin := buildSpecforgeBinary(t)
	home := t.TempDir()

	first, code := runCLI(t, bin, home, "run", "a read-only five star rating widget")
	if code != 0 {
		t.Fatalf("first run exit code %d\n%s", code, first)
	}
	second, code := runCLI(t, bin, home, "run", "A   read-only FIVE star rating widget")
	if code != 0 {
		t.Fatalf("second run exit code %d\n%s", code, second)
	}

	// Same canonical input resolves to the same build id on both runs.
	firstID := extractBuildID(t, first)
	secondID := extractBuildID(t, second)
	if firstID != secondID {
		t.Fatalf("duplicate submission produced new build: %s vs %s", firstID, secondID)
	}
}

func extractBuildID(t *testing.T, out string) string {
	t.Helper()
	for _, tok := range strings.Fields(out) {
		if strings.HasPrefix(tok, "bld-") {
			return tok
		}
	}
	t.Fatalf("no build id in output:\n%s", out)
	return ""
}

func TestSmoke_StatusReportsBuildAndQueue(t *testing.T) {
	bin := buildSpecforgeBinary(t)
	home := t.TempDir()

	out, code := runCLI(t, bin, home, "run", "a read-only five star rating widget")
	if code != 0 {
		t.Fatalf("run exit code %d\n%s", code, out)
	}
	buildID := extractBuildID(t, out)

	queue, code := runCLI(t, bin, home, "status")
	if code != 0 {
		t.Fatalf("status exit code %d\n%s", code, queue)
	}
	if !strings.Contains(queue, buildID) {
		t.Fatalf("status output missing build %s:\n%s", buildID, queue)
	}

	raw, code := runCLI(t, bin, home, "status", "-json")
	if code != 0 {
		t.Fatalf("status -json exit code %d\n%s", code, raw)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatalf("status -json output not JSON: %v\n%s", err, raw)
	}
	if _, ok := body["counts"]; !ok {
		t.Fatalf("status json missing counts: %#v", body)
	}

	detail, code := runCLI(t, bin, home, "status", buildID)
	if code != 0 {
		t.Fatalf("status %s exit code %d\n%s", buildID, code, detail)
	}
	if !strings.Contains(detail, "committed stages:") {
		t.Fatalf("build status missing stage records:\n%s", detail)
	}
}

func TestSmoke_RulesCheckPassesStarterCatalog(t *testing.T) {
	bin := buildSpecforgeBinary(t)
	home := t.TempDir()

	// First run seeds the starter catalog into the home dir.
	out, code := runCLI(t, bin, home, "run", "a five star rating widget")
	if code != 0 {
		t.Fatalf("run exit code %d\n%s", code, out)
	}

	check, code := runCLI(t, bin, home, "rules", "check")
	if code != 0 {
		t.Fatalf("rules check exit code %d\n%s", code, check)
	}
	if !strings.Contains(check, "OK") {
		t.Fatalf("rules check output missing OK:\n%s", check)
	}

	list, code := runCLI(t, bin, home, "rules", "list")
	if code != 0 {
		t.Fatalf("rules list exit code %d\n%s", code, list)
	}
	if !strings.Contains(list, "SEVERITY") {
		t.Fatalf("rules list output missing header:\n%s", list)
	}
}

func TestSmoke_DoctorFreshHome(t *testing.T) {
	bin := buildSpecforgeBinary(t)
	home := t.TempDir()

	out, code := runCLI(t, bin, home, "doctor")
	if code != 0 {
		t.Fatalf("doctor exit code %d on fresh home\n%s", code, out)
	}

	raw, code := runCLI(t, bin, home, "doctor", "-json")
	if code != 0 {
		t.Fatalf("doctor -json exit code %d\n%s", code, raw)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(raw), &diag); err != nil {
		t.Fatalf("doctor -json output not JSON: %v\n%s", err, raw)
	}
	if len(diag.Results) == 0 {
		t.Fatal("doctor json has no results")
	}
}

func TestSmoke_VersionAndUsage(t *testing.T) {
	bin := buildSpecforgeBinary(t)
	home := t.TempDir()

	out, code := runCLI(t, bin, home, "version")
	if code != 0 || !strings.Contains(out, "specforge") {
		t.Fatalf("version output %q (exit %d)", out, code)
	}

	out, code = runCLI(t, bin, home, "definitely-not-a-command")
	if code != 2 {
		t.Fatalf("unknown command exit code %d, want 2\n%s", code, out)
	}
	if !strings.Contains(out, "Usage") {
		t.Fatalf("unknown command should print usage:\n%s", out)
	}
}

func TestSmoke_ResumeReplaysTerminalBuild(t *testing.T) {
	bin := buildSpecforgeBinary(t)
	home := t.TempDir()

	out, code := runCLI(t, bin, home, "run", "a read-only five star rating widget")
	if code != 0 {
		t.Fatalf("run exit code %d\n%s", code, out)
	}
	buildID := extractBuildID(t, out)

	replay, code := runCLI(t, bin, home, "resume", buildID)
	if code != 0 {
		t.Fatalf("resume exit code %d\n%s", code, replay)
	}
	if !strings.Contains(replay, buildID) || !strings.Contains(replay, "success") {
		t.Fatalf("resume did not replay stored result:\n%s", replay)
	}
}

// waitFor polls until fn returns true or the deadline passes.
func waitFor(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
