package batch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fastflash/internal/config"
	"fastflash/internal/logging"
	"fastflash/pkg/fastboot"
	"fastflash/pkg/usbtransport"
)

func newTestClient(t *testing.T, vars map[string]string) (*fastboot.Client, *usbtransport.FakeDevice) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ControlTimeout = time.Second
	cfg.DataTimeout = time.Second
	cfg.RebootTimeout = time.Second

	dev := usbtransport.NewFakeDevice(vars)
	c := fastboot.New(cfg, logging.New(nil, logging.Error))
	if err := c.Connect(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	return c, dev
}

func TestRunAllTasksSucceed(t *testing.T) {
	client, dev := newTestClient(t, map[string]string{"max-download-size": "0x1000000"})

	bootData := bytes.Repeat([]byte{0x01}, 4096)
	bootPath := filepath.Join(t.TempDir(), "boot.img")
	os.WriteFile(bootPath, bootData, 0o644)

	tasks := []FlashTask{
		{Operation: OpFlash, PartitionOrSlot: "boot", ImagePath: bootPath, SourceLine: 1},
		{Operation: OpSetActive, PartitionOrSlot: "a", SourceLine: 2},
		{Operation: OpReboot, ExtraArgs: "bootloader", SourceLine: 3},
	}

	var percents []float64
	summary := New(client, nil, nil).Run(context.Background(), tasks, nil, func(p fastboot.Progress) {
		percents = append(percents, p.Percent)
	})

	if summary.Failed != 0 || summary.Succeeded != 3 {
		t.Fatalf("summary = %+v, want 3 succeeded / 0 failed", summary)
	}
	if summary.FirstError != nil {
		t.Fatalf("FirstError = %v, want nil", summary.FirstError)
	}
	if !bytes.Equal(dev.Flashed("boot"), bootData) {
		t.Fatal("device did not receive the boot image")
	}

	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("aggregated percent regressed: %v after %v", percents[i], percents[i-1])
		}
	}
	if percents[len(percents)-1] < 66 {
		t.Fatalf("final aggregated percent = %v, want close to 100 across 3 tasks", percents[len(percents)-1])
	}
}

func TestRunStopsOnFirstFailureByDefault(t *testing.T) {
	client, dev := newTestClient(t, map[string]string{"max-download-size": "0x1000000"})
	dev.RejectFlash("boot", "not allowed in locked state")

	bootPath := filepath.Join(t.TempDir(), "boot.img")
	os.WriteFile(bootPath, []byte{0xAA}, 0o644)

	tasks := []FlashTask{
		{Operation: OpFlash, PartitionOrSlot: "boot", ImagePath: bootPath, SourceLine: 1},
		{Operation: OpSetActive, PartitionOrSlot: "a", SourceLine: 2},
	}

	summary := New(client, nil, nil).Run(context.Background(), tasks, nil, nil)

	if summary.Succeeded != 0 || summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 0 succeeded / 1 failed (batch should stop)", summary)
	}
	if len(summary.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1 (second task must not run)", len(summary.Results))
	}
	if summary.FirstError == nil {
		t.Fatal("FirstError should be set")
	}
}

func TestRunContinuesOnErrorWhenRequested(t *testing.T) {
	client, dev := newTestClient(t, map[string]string{"max-download-size": "0x1000000"})
	dev.RejectFlash("boot", "not allowed in locked state")

	bootPath := filepath.Join(t.TempDir(), "boot.img")
	os.WriteFile(bootPath, []byte{0xAA}, 0o644)

	tasks := []FlashTask{
		{Operation: OpFlash, PartitionOrSlot: "boot", ImagePath: bootPath, SourceLine: 1},
		{Operation: OpSetActive, PartitionOrSlot: "a", SourceLine: 2},
	}

	cont := true
	summary := New(client, nil, nil).Run(context.Background(), tasks, &cont, nil)

	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 succeeded / 1 failed", summary)
	}
	if len(summary.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2 (both tasks should run)", len(summary.Results))
	}
}
