package hooks

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ubisys-bridge/internal/coordinator"
	"ubisys-bridge/internal/ubisys"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunScriptLogsEventFields(t *testing.T) {
	event := coordinator.Event{
		Type: coordinator.EventAttributeReport,
		Data: map[string]interface{}{
			"ieee":     "001FEE0000012A3B",
			"attr_id":  uint16(0x000A),
			"value":    uint8(0),
			"moving":   false,
			"endpoint": uint8(1),
		},
	}

	logs, err := runScript(`
		log(event.type)
		log(event.ieee)
		if event.attr_id == 10 then log("attr ok") end
		if event.moving == false then log("stalled") end
	`, event)
	if err != nil {
		t.Fatalf("runScript: %v", err)
	}

	want := []string{"attribute_report", "001FEE0000012A3B", "attr ok", "stalled"}
	if len(logs) != len(want) {
		t.Fatalf("logs = %v, want %v", logs, want)
	}
	for i := range want {
		if logs[i] != want[i] {
			t.Errorf("logs[%d] = %q, want %q", i, logs[i], want[i])
		}
	}
}

func TestRunScriptCalibrationResult(t *testing.T) {
	event := coordinator.Event{
		Type: coordinator.EventCalibrationDone,
		Data: &ubisys.Result{
			IEEE:      "001FEE0000012A3B",
			Kind:      ubisys.KindVenetian,
			Success:   true,
			StepsDown: 2110,
			StepsUp:   2093,
			TiltSteps: 100,
		},
	}

	logs, err := runScript(`
		if event.type == "calibration_done" and event.success then
			log("calibrated " .. event.ieee .. " kind " .. event.covering_kind)
			log("down " .. event.steps_down .. " up " .. event.steps_up)
		end
	`, event)
	if err != nil {
		t.Fatalf("runScript: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("logs = %v", logs)
	}
	if !strings.Contains(logs[0], "kind venetian") {
		t.Errorf("logs[0] = %q", logs[0])
	}
	if !strings.Contains(logs[1], "down 2110") {
		t.Errorf("logs[1] = %q", logs[1])
	}
}

func TestRunScriptError(t *testing.T) {
	_, err := runScript(`this is not lua`, coordinator.Event{Type: "x"})
	if err == nil {
		t.Fatal("expected parse error")
	}

	_, err = runScript(`error("boom")`, coordinator.Event{Type: "x"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestRunScriptSandbox(t *testing.T) {
	for _, code := range []string{
		`os.execute("true")`,
		`io.open("/etc/passwd")`,
		`require("socket")`,
	} {
		if _, err := runScript(code, coordinator.Event{Type: "x"}); err == nil {
			t.Errorf("expected sandbox error for %q", code)
		}
	}
}

func TestLoadScripts(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b_second.lua": `log("b")`,
		"a_first.lua":  `log("a")`,
		"notes.txt":    "not a hook",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	r, err := NewRunner(coordinator.NewEventBus(newTestLogger()), dir, newTestLogger())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if len(r.scripts) != 2 {
		t.Fatalf("loaded %d scripts, want 2", len(r.scripts))
	}
	if r.scripts[0].Name != "a_first" || r.scripts[1].Name != "b_second" {
		t.Errorf("scripts not sorted: %s, %s", r.scripts[0].Name, r.scripts[1].Name)
	}
}

func TestMissingDirIsNotAnError(t *testing.T) {
	r, err := NewRunner(coordinator.NewEventBus(newTestLogger()), "/nonexistent/hooks", newTestLogger())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if len(r.scripts) != 0 {
		t.Errorf("scripts = %d, want 0", len(r.scripts))
	}
	// Start and Stop stay safe with nothing loaded.
	r.Start()
	r.Stop()
}

func TestRunnerDispatchesEvents(t *testing.T) {
	dir := t.TempDir()
	script := `
		if event.type == "calibration_failed" then
			log("failed in phase: " .. event.phase)
		end
	`
	if err := os.WriteFile(filepath.Join(dir, "on_fail.lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	events := coordinator.NewEventBus(newTestLogger())

	r, err := NewRunner(events, dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()

	events.Emit(coordinator.Event{
		Type: coordinator.EventCalibrationFailed,
		Data: &ubisys.Result{IEEE: "001FEE0000012A3B", Phase: ubisys.PhaseFindTop, Error: "stall timeout"},
	})

	// Stop drains the queue before returning.
	r.Stop()

	out := buf.String()
	if !strings.Contains(out, "failed in phase: find top limit") {
		t.Errorf("hook output missing, log:\n%s", out)
	}
}

func TestRunnerIsolatesFailingHooks(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a_bad.lua"), []byte(`error("broken hook")`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b_good.lua"), []byte(`log("still ran")`), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	events := coordinator.NewEventBus(newTestLogger())

	r, err := NewRunner(events, dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	events.Emit(coordinator.Event{Type: coordinator.EventPermitJoin, Data: map[string]interface{}{"duration": 60}})
	r.Stop()

	out := buf.String()
	if !strings.Contains(out, "broken hook") {
		t.Errorf("missing failure log:\n%s", out)
	}
	if !strings.Contains(out, "still ran") {
		t.Errorf("second hook did not run after first failed:\n%s", out)
	}
}
