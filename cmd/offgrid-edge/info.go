package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/takuphilchan/offgrid-edge/internal/platform"
	"github.com/takuphilchan/offgrid-edge/internal/resource"
)

type infoCommander struct {
	root *rootCommander
}

func newInfoCmd(root *rootCommander) *cobra.Command {
	cmder := &infoCommander{root: root}
	return &cobra.Command{
		Use:   "info",
		Short: "Load the configured model and describe it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context())
		},
	}
}

func (c *infoCommander) run(ctx context.Context) error {
	out := c.root.out
	rt, err := c.root.openEngine(ctx)
	if err != nil {
		return err
	}
	defer rt.close(c.root.log)

	summary := rt.engine.ModelInfo()
	if out.JSONMode() {
		return out.Result("model loaded", map[string]any{
			"summary": summary,
			"config":  rt.engine.Config(),
			"backend": rt.backend.Name(),
		}, nil)
	}

	out.Section("Model")
	for _, line := range strings.Split(summary, "\n") {
		label, value, ok := strings.Cut(line, ": ")
		if !ok {
			out.Text(line + "\n")
			continue
		}
		out.Item(label, value)
	}
	return nil
}

func newSysinfoCmd(root *rootCommander) *cobra.Command {
	return &cobra.Command{
		Use:   "sysinfo",
		Short: "Show host hardware, memory and network details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := platform.GetSystemInfo()
			usage := resource.Snapshot(platform.GetDataPath())
			if root.out.JSONMode() {
				return root.out.JSON(map[string]any{"system": info, "resources": usage})
			}
			root.out.Section("System")
			root.out.Text(info.String())
			root.out.Section("Resources")
			root.out.Item("CPU", fmt.Sprintf("%.1f%%", usage.CPUUsagePercent))
			root.out.Item("Memory", fmt.Sprintf("%d / %d MB (%.1f%%)", usage.MemoryUsedMB, usage.MemoryTotalMB, usage.MemoryUsagePercent))
			root.out.Item("Available", fmt.Sprintf("%d MB", usage.MemoryAvailableMB))
			root.out.Item("Disk free", fmt.Sprintf("%d / %d GB", usage.DiskFreeGB, usage.DiskTotalGB))
			return nil
		},
	}
}
