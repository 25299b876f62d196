// Package batch implements C6: sequencing a list of flash tasks against a
// fastboot.Client and aggregating per-task progress into overall progress.
package batch

import (
	"context"
	"fmt"

	"fastflash/internal/config"
	"fastflash/internal/logging"
	"fastflash/pkg/fastboot"
)

// Operation is the action a FlashTask asks the client to perform. Oem is a
// supplement beyond spec.md's {Flash, Erase, SetActive, Reboot} set, for
// the vendor OEM passthrough commands batch scripts commonly embed.
type Operation int

const (
	OpFlash Operation = iota
	OpErase
	OpSetActive
	OpReboot
	OpOem
)

func (o Operation) String() string {
	switch o {
	case OpFlash:
		return "flash"
	case OpErase:
		return "erase"
	case OpSetActive:
		return "set_active"
	case OpReboot:
		return "reboot"
	case OpOem:
		return "oem"
	default:
		return "unknown"
	}
}

// FlashTask is one line of a batch-script task list (spec.md §3). The
// script parser that produces these from vendor flash_all.bat/.sh files is
// an external collaborator; this package only consumes the resulting
// records.
type FlashTask struct {
	Operation      Operation
	PartitionOrSlot string
	ImagePath      string // only for OpFlash
	ExtraArgs      string // only for OpReboot (kind name) and OpOem (command)
	SourceLine     int
}

// TaskResult records the outcome of a single FlashTask.
type TaskResult struct {
	Task  FlashTask
	Err   error
}

// FlashSummary is returned after a batch completes (spec.md §4.6, §6).
type FlashSummary struct {
	Succeeded  int
	Failed     int
	FirstError error
	Results    []TaskResult
}

// Flasher sequences FlashTasks against a *fastboot.Client.
type Flasher struct {
	client *fastboot.Client
	cfg    *config.Config
	log    *logging.Logger
}

// New creates a Flasher. If cfg is nil, config.DefaultConfig() governs
// ContinueOnError.
func New(client *fastboot.Client, cfg *config.Config, log *logging.Logger) *Flasher {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logging.Default
	}
	return &Flasher{client: client, cfg: cfg, log: log}
}

func rebootKindFromName(name string) (fastboot.RebootKind, error) {
	switch name {
	case "", "bootloader":
		return fastboot.RebootBootloader, nil
	case "fastboot":
		return fastboot.RebootFastbootMode, nil
	case "recovery":
		return fastboot.RebootRecovery, nil
	case "normal":
		return fastboot.RebootNormal, nil
	default:
		return 0, &fastboot.ProtocolError{Kind: fastboot.UnknownTag, Detail: fmt.Sprintf("unknown reboot kind %q", name)}
	}
}

// Run executes tasks in order, aggregating per-task progress into an
// overall percent of (i + task_percent/100) / n * 100 (spec.md §4.6).
// continueOnError overrides f.cfg.ContinueOnError when non-nil.
func (f *Flasher) Run(ctx context.Context, tasks []FlashTask, continueOnError *bool, onProgress fastboot.ProgressFunc) FlashSummary {
	n := len(tasks)
	cont := f.cfg.ContinueOnError
	if continueOnError != nil {
		cont = *continueOnError
	}

	var summary FlashSummary
	summary.Results = make([]TaskResult, 0, n)

	for i, task := range tasks {
		err := f.runTask(ctx, i, n, task, onProgress)
		summary.Results = append(summary.Results, TaskResult{Task: task, Err: err})

		if err != nil {
			summary.Failed++
			if summary.FirstError == nil {
				summary.FirstError = err
			}
			f.log.Errorf("task %d (line %d, %s %s): %v", i, task.SourceLine, task.Operation, task.PartitionOrSlot, err)
			if !cont {
				break
			}
			continue
		}
		summary.Succeeded++
	}

	return summary
}

func (f *Flasher) runTask(ctx context.Context, i, n int, task FlashTask, onProgress fastboot.ProgressFunc) error {
	wrap := func(p fastboot.Progress) {
		if onProgress == nil {
			return
		}
		taskFrac := p.Percent / 100
		p.Percent = (float64(i) + taskFrac) / float64(n) * 100
		onProgress(p)
	}

	switch task.Operation {
	case OpFlash:
		return f.client.FlashPartition(ctx, task.PartitionOrSlot, task.ImagePath, wrap)

	case OpErase:
		wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StagePreparing})
		err := f.client.Erase(ctx, task.PartitionOrSlot)
		if err != nil {
			wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StageFailed, Err: err})
			return err
		}
		wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StageDone, Percent: 100})
		return nil

	case OpSetActive:
		wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StagePreparing})
		err := f.client.SetActive(ctx, task.PartitionOrSlot)
		if err != nil {
			wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StageFailed, Err: err})
			return err
		}
		wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StageDone, Percent: 100})
		return nil

	case OpReboot:
		kind, err := rebootKindFromName(task.ExtraArgs)
		if err != nil {
			return err
		}
		wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StagePreparing})
		if err := f.client.Reboot(ctx, kind); err != nil {
			wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StageFailed, Err: err})
			return err
		}
		wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StageDone, Percent: 100})
		return nil

	case OpOem:
		wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StagePreparing})
		_, err := f.client.Oem(ctx, task.ExtraArgs)
		if err != nil {
			wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StageFailed, Err: err})
			return err
		}
		wrap(fastboot.Progress{Partition: task.PartitionOrSlot, Stage: fastboot.StageDone, Percent: 100})
		return nil

	default:
		return &fastboot.ProtocolError{
			Kind:   fastboot.UnknownTag,
			Detail: fmt.Sprintf("unsupported batch operation %v", task.Operation),
		}
	}
}
