package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	prettyjson "github.com/hokaccha/go-prettyjson"
	"github.com/spf13/cobra"

	"forge-trainkit/internal/checkpoint"
	"forge-trainkit/internal/device"
)

func newInspectCmd() *cobra.Command {
	var showArgs bool

	cmd := &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "Summarise a checkpoint file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := checkpoint.Load(args[0])
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), rec, showArgs)
		},
	}
	cmd.Flags().BoolVar(&showArgs, "args", false, "Print the run configuration stored in the checkpoint")

	return cmd
}

func printRecord(w io.Writer, rec *checkpoint.Record, showArgs bool) error {
	label := color.New(color.FgCyan, color.Bold)
	label.Fprint(w, "epoch     ")
	fmt.Fprintln(w, rec.Epoch)
	label.Fprint(w, "step      ")
	fmt.Fprintln(w, rec.Step)
	label.Fprint(w, "val_loss  ")
	fmt.Fprintln(w, float64(rec.ValLoss))
	label.Fprint(w, "val_acc   ")
	fmt.Fprintln(w, float64(rec.ValAcc))

	label.Fprintln(w, "state_dict")
	names := make([]string, 0, len(rec.StateDict))
	for name := range rec.StateDict {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %v\n", name, rec.StateDict[name].Shape)
	}

	label.Fprintln(w, "optimizer")
	names = names[:0]
	for name := range rec.Optimizer {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %v\n", name, rec.Optimizer[name].Data)
	}

	if showArgs && rec.Args != nil {
		out, err := prettyjson.Marshal(rec.Args)
		if err != nil {
			return err
		}
		label.Fprintln(w, "args")
		fmt.Fprintln(w, string(out))
	}
	return nil
}

func newDeviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Show the compute device training would use",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			d := device.Detect()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s (lanes=%d)\n", color.GreenString(d.Kind.String()), d.Brand, d.Lanes)
			fmt.Fprintf(w, "features: %v\n", d.Features)
		},
	}
}
