package command

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/TIGRLab/datman-sub001/ops"
	. "github.com/TIGRLab/datman-sub001/util"
)

func (o *opts) extract() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract [session|archive.zip ...]",
		Short: "Export sessions into the study's output formats",
		Long: "Export sessions into the study's configured output formats.\n" +
			"Sources can be XNAT session labels, local zip archives, or nothing\n" +
			"to process every session in the study's archive project.",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := o.study()
			if !allZips(args) {
				o.RequireClient(cmd, args)
			} else {
				o.initClient()
			}
			Check(ops.Extract(cfg, o.Client, args))
		},
	}

	return cmd
}

func (o *opts) upload() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:    "upload [archive.zip ...]",
		Short:  "Upload session archives to the study's XNAT project",
		Args:   cobra.MinimumNArgs(1),
		PreRun: o.RequireClient,
		Run: func(cmd *cobra.Command, args []string) {
			Check(ops.Upload(o.study(), o.Client, args, force))
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Upload without prompting")

	return cmd
}

func (o *opts) pruneResources() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:    "prune-resources [session ...]",
		Short:  "Delete duplicate resource file copies from XNAT sessions",
		Args:   cobra.MinimumNArgs(1),
		PreRun: o.RequireClient,
		Run: func(cmd *cobra.Command, args []string) {
			Check(ops.PruneResources(o.study(), o.Client, args, force))
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Delete without prompting")

	return cmd
}

func (o *opts) checklist() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checklist",
		Short: "Show the study's processing manifest",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			Check(ops.ShowChecklist(o.study()))
		},
	}

	return cmd
}

func allZips(sources []string) bool {
	if len(sources) == 0 {
		return false
	}
	for _, s := range sources {
		if !strings.HasSuffix(s, ".zip") {
			return false
		}
	}
	return true
}
