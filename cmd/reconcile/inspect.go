package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Veraticus/legacy-reconcile/internal/cli"
	"github.com/Veraticus/legacy-reconcile/internal/config"
	"github.com/Veraticus/legacy-reconcile/internal/legacy"
	"github.com/Veraticus/legacy-reconcile/internal/model"
)

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <export.xml>",
		Short: "Summarize the tables of a legacy export",
		Long: `List every table of the export with its row count, then the records
each reconciled entity would contribute: complete, incomplete and rows that
reuse a legacy id. Nothing is read from the live store.`,
		Args: cobra.ExactArgs(1),
		RunE: runInspect,
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	path := config.ExpandPath(args[0])

	ex := legacy.NewExtractor(legacy.FileSource{Path: path})
	tables, err := ex.Tables(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, cli.FormatTitle("Export "+path))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\t%s\n",
		cli.TableHeaderStyle.Render("TABLE"),
		cli.TableHeaderStyle.Render("ROWS"),
		cli.TableHeaderStyle.Render("ENTITY"))
	for _, table := range tables {
		entity := cli.SubtleStyle.Render("(ignored)")
		if table.Known {
			entity = string(table.Entity)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", table.Name, table.Rows, entity)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)

	indexes, err := legacy.BuildIndex(ctx, ex)
	if err != nil {
		return err
	}

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
		cli.TableHeaderStyle.Render("ENTITY"),
		cli.TableHeaderStyle.Render("RECORDS"),
		cli.TableHeaderStyle.Render("COMPLETE"),
		cli.TableHeaderStyle.Render("INCOMPLETE"),
		cli.TableHeaderStyle.Render("DUPLICATE IDS"))
	for _, index := range orderedIndexes(indexes) {
		incomplete := index.Len() - index.Complete()
		incompleteCell := fmt.Sprint(incomplete)
		if incomplete > 0 {
			incompleteCell = cli.WarningStyle.Render(incompleteCell)
		}
		duplicates := cli.SubtleStyle.Render("-")
		if len(index.Duplicates) > 0 {
			duplicates = strings.Join(index.Duplicates, ", ")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", index.Entity, index.Len(), index.Complete(), incompleteCell, duplicates)
	}
	return w.Flush()
}

func orderedIndexes(indexes legacy.Indexes) []*legacy.Index {
	var out []*legacy.Index
	for _, entity := range model.AllEntities() {
		if index, ok := indexes[entity]; ok {
			out = append(out, index)
		}
	}
	return out
}
