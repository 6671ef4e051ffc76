package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pmd/pmd/internal/config"
	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/kernel/host"
	"github.com/pmd/pmd/internal/kernel/sim"
	"github.com/pmd/pmd/internal/program"
)

// backend is a kernel that can also deliver notifications.
type backend interface {
	kernel.Kernel
	kernel.Mailbox
}

func systemInfo(cfg config.KernelConfig) (kernel.SystemInfo, error) {
	fw, err := config.ParseFirmware(cfg.Firmware)
	if err != nil {
		return kernel.SystemInfo{}, err
	}
	app, err := config.ParseByteSize(cfg.AppMemAlloc)
	if err != nil {
		return kernel.SystemInfo{}, fmt.Errorf("app_mem_alloc: %w", err)
	}
	sys, err := config.ParseByteSize(cfg.SysMemAlloc)
	if err != nil {
		return kernel.SystemInfo{}, fmt.Errorf("sys_mem_alloc: %w", err)
	}
	info := kernel.SystemInfo{
		Variant:     kernel.VariantBase,
		Firmware:    kernel.MakeVersion(fw[0], fw[1], fw[2]),
		CoreVersion: cfg.CoreVersion,
		AppMemAlloc: uint32(app),
		SysMemAlloc: uint32(sys),
		NumCores:    cfg.Cores,
	}
	if cfg.Variant == "high_end" {
		info.Variant = kernel.VariantHighEnd
	}
	return info, nil
}

func newBackend(cfg *config.Config, logger *slog.Logger) (backend, error) {
	info, err := systemInfo(cfg.Kernel)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	switch cfg.Kernel.Backend {
	case "host":
		grace, _ := time.ParseDuration(cfg.Kernel.Host.KillGrace)
		return host.New(host.Options{
			Info:         info,
			CgroupParent: cfg.Kernel.Host.CgroupPath,
			WorkDir:      cfg.Kernel.Host.WorkDir,
			KillGrace:    grace,
			Logger:       logger,
		}), nil
	case "sim":
		k := sim.New(info)
		for _, id := range cfg.Sim.Listeners {
			tid, err := program.ParseTitleID(id)
			if err != nil {
				return nil, fmt.Errorf("sim.listeners: %w", err)
			}
			k.SetBehavior(tid, sim.Behavior{Listener: true, ExitOnTerminationRequest: true})
		}
		for _, p := range cfg.Sim.Preloaded {
			tid, err := program.ParseTitleID(p.TitleID)
			if err != nil {
				return nil, fmt.Errorf("sim.preloaded: %w", err)
			}
			pid, _ := k.AddPreloaded(tid, p.Name)
			logger.Debug("server: preloaded simulated process", "pid", pid, "title", program.FormatTitleID(tid), "name", p.Name)
		}
		return k, nil
	}
	return nil, fmt.Errorf("kernel: unknown backend %q", cfg.Kernel.Backend)
}
