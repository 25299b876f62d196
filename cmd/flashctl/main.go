// Command flashctl is a thin CLI entry point over the fastflash core: it
// wires config loading, USB device discovery, a Fastboot client session,
// and the batch flasher together. It intentionally does not attempt to
// parse vendor flash_all.bat/.sh scripts (that parser is an external
// collaborator per spec.md §1); its own --tasks file format is a simple
// line-oriented convenience described on loadTasks.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fastflash/internal/config"
	"fastflash/internal/logging"
	"fastflash/pkg/batch"
	"fastflash/pkg/fastboot"
	"fastflash/pkg/usbtransport"
)

var (
	configPath  = flag.String("config", "", "path to a YAML config file (optional)")
	serial      = flag.String("serial", "", "serial number of the target device (first match if empty)")
	logLevel    = flag.String("log-level", "info", "debug|info|warn|error")
	op          = flag.String("op", "", "getvar|flash|erase|set-active|reboot|oem|unlock|lock|batch")
	partition   = flag.String("partition", "", "partition name (flash/erase) or slot (set-active)")
	image       = flag.String("image", "", "image path (flash)")
	varName     = flag.String("var", "", "variable name (getvar)")
	oemCmd      = flag.String("cmd", "", "oem subcommand text (oem)")
	rebootKind  = flag.String("kind", "bootloader", "normal|bootloader|fastboot|recovery (reboot)")
	tasksPath   = flag.String("tasks", "", "path to a batch task file (batch)")
	continueErr = flag.Bool("continue-on-error", false, "keep running a batch after a task fails")
)

func main() {
	flag.Parse()

	log := logging.New(os.Stderr, logging.ParseLevel(*logLevel))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("load config: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enumerator := usbtransport.NewUSBEnumerator(cfg, log)
	defer enumerator.Close()

	transport, err := openTarget(enumerator, *serial)
	if err != nil {
		log.Errorf("open device: %v", err)
		os.Exit(1)
	}

	client := fastboot.New(cfg, log)
	if err := client.Connect(ctx, transport); err != nil {
		log.Errorf("connect: %v", err)
		os.Exit(1)
	}
	defer client.Disconnect()

	if err := runOp(ctx, client, cfg, log); err != nil {
		log.Errorf("%s: %v", *op, err)
		os.Exit(1)
	}
}

func openTarget(enumerator *usbtransport.USBEnumerator, serial string) (usbtransport.Transport, error) {
	devices, err := enumerator.Enumerate()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no Fastboot-class device found")
	}
	for _, d := range devices {
		if serial == "" || d.Serial == serial {
			return enumerator.Open(d)
		}
	}
	return nil, fmt.Errorf("no device matching serial %q", serial)
}

func runOp(ctx context.Context, client *fastboot.Client, cfg *config.Config, log *logging.Logger) error {
	switch *op {
	case "getvar":
		if *varName == "all" || *varName == "" {
			info, err := client.DeviceInfo()
			if err != nil {
				return err
			}
			fmt.Print(info.String())
			return nil
		}
		v, err := client.GetVar(ctx, *varName)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil

	case "flash":
		if *partition == "" || *image == "" {
			return fmt.Errorf("flash requires -partition and -image")
		}
		return client.FlashPartition(ctx, *partition, *image, printProgress)

	case "erase":
		if *partition == "" {
			return fmt.Errorf("erase requires -partition")
		}
		return client.Erase(ctx, *partition)

	case "set-active":
		if *partition == "" {
			return fmt.Errorf("set-active requires -partition (used as slot name)")
		}
		return client.SetActive(ctx, *partition)

	case "reboot":
		kind, err := parseRebootKind(*rebootKind)
		if err != nil {
			return err
		}
		return client.Reboot(ctx, kind)

	case "oem":
		out, err := client.Oem(ctx, *oemCmd)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil

	case "unlock":
		return client.Unlock(ctx)

	case "lock":
		return client.Lock(ctx)

	case "batch":
		if *tasksPath == "" {
			return fmt.Errorf("batch requires -tasks")
		}
		tasks, err := loadTasks(*tasksPath)
		if err != nil {
			return err
		}
		cont := *continueErr
		summary := batch.New(client, cfg, log).Run(ctx, tasks, &cont, printProgress)
		fmt.Printf("batch complete: %d succeeded, %d failed\n", summary.Succeeded, summary.Failed)
		if summary.FirstError != nil {
			return summary.FirstError
		}
		return nil

	default:
		return fmt.Errorf("unknown -op %q", *op)
	}
}

func parseRebootKind(name string) (fastboot.RebootKind, error) {
	switch name {
	case "normal":
		return fastboot.RebootNormal, nil
	case "bootloader":
		return fastboot.RebootBootloader, nil
	case "fastboot":
		return fastboot.RebootFastbootMode, nil
	case "recovery":
		return fastboot.RebootRecovery, nil
	default:
		return 0, fmt.Errorf("unknown reboot kind %q", name)
	}
}

func printProgress(p fastboot.Progress) {
	if p.Stage == fastboot.StageFailed {
		fmt.Fprintf(os.Stderr, "%s: FAILED: %v\n", p.Partition, p.Err)
		return
	}
	fmt.Printf("\r%s: %-9s %6.1f%%", p.Partition, p.Stage, p.Percent)
	if p.Stage == fastboot.StageDone {
		fmt.Println()
	}
}

// loadTasks reads flashctl's own simple batch format, one task per
// non-empty, non-comment line:
//
//	flash <partition> <image-path>
//	erase <partition>
//	set_active <slot>
//	reboot <normal|bootloader|fastboot|recovery>
//	oem <command text...>
//
// This is not a vendor flash_all.bat/.sh parser (spec.md §1 names that an
// external collaborator); it is flashctl's own minimal convenience format.
func loadTasks(path string) ([]batch.FlashTask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tasks []batch.FlashTask
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		task, err := parseTaskLine(fields, lineNo)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func parseTaskLine(fields []string, lineNo int) (batch.FlashTask, error) {
	if len(fields) == 0 {
		return batch.FlashTask{}, fmt.Errorf("line %d: empty", lineNo)
	}
	switch fields[0] {
	case "flash":
		if len(fields) != 3 {
			return batch.FlashTask{}, fmt.Errorf("line %d: flash requires <partition> <image>", lineNo)
		}
		return batch.FlashTask{Operation: batch.OpFlash, PartitionOrSlot: fields[1], ImagePath: fields[2], SourceLine: lineNo}, nil
	case "erase":
		if len(fields) != 2 {
			return batch.FlashTask{}, fmt.Errorf("line %d: erase requires <partition>", lineNo)
		}
		return batch.FlashTask{Operation: batch.OpErase, PartitionOrSlot: fields[1], SourceLine: lineNo}, nil
	case "set_active":
		if len(fields) != 2 {
			return batch.FlashTask{}, fmt.Errorf("line %d: set_active requires <slot>", lineNo)
		}
		return batch.FlashTask{Operation: batch.OpSetActive, PartitionOrSlot: fields[1], SourceLine: lineNo}, nil
	case "reboot":
		kind := "bootloader"
		if len(fields) >= 2 {
			kind = fields[1]
		}
		return batch.FlashTask{Operation: batch.OpReboot, ExtraArgs: kind, SourceLine: lineNo}, nil
	case "oem":
		if len(fields) < 2 {
			return batch.FlashTask{}, fmt.Errorf("line %d: oem requires a command", lineNo)
		}
		return batch.FlashTask{Operation: batch.OpOem, ExtraArgs: strings.Join(fields[1:], " "), SourceLine: lineNo}, nil
	default:
		return batch.FlashTask{}, fmt.Errorf("line %d: unknown task %q", lineNo, fields[0])
	}
}
