package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/takuphilchan/offgrid-edge/internal/prompt"
)

func newTemplatesCmd(root *rootCommander) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List built-in prompt templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := root.out
			names := prompt.ListTemplates()
			if out.JSONMode() {
				list := make([]*prompt.Template, 0, len(names))
				for _, name := range names {
					list = append(list, prompt.BuiltinTemplates[name])
				}
				return out.JSON(map[string]any{"templates": list, "count": len(list)})
			}

			out.Section("Templates")
			for _, name := range names {
				t := prompt.BuiltinTemplates[name]
				out.Item(name, fmt.Sprintf("%s [%s]", t.Description, strings.Join(t.Variables, ", ")))
			}
			return nil
		},
	}
}
