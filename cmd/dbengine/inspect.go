package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/relicdb/enginecore/core/index/bplustree"
	"github.com/relicdb/enginecore/core/storage/buffer"
	"github.com/relicdb/enginecore/core/storage/disk"
	"github.com/relicdb/enginecore/core/storage/replacer"
)

func newInspectCmd() *cobra.Command {
	var dataFile string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump the header page's index directory and data file occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(dataFile)
		},
	}
	cmd.Flags().StringVar(&dataFile, "data", "", "data file to inspect")
	cmd.MarkFlagRequired("data")
	return cmd
}

func runInspect(dataFile string) error {
	dm, err := disk.Open(afero.NewOsFs(), dataFile, false)
	if err != nil {
		return fmt.Errorf("inspect: open data file: %w", err)
	}
	defer dm.Close()

	rep := replacer.New(8, 2, nil)
	bpm := buffer.New(8, dm, rep, 0, nil, nil)

	records, err := bplustree.HeaderDirectory(bpm)
	if err != nil {
		return fmt.Errorf("inspect: read header directory: %w", err)
	}

	fmt.Printf("%s: %d pages allocated\n", dataFile, dm.NumPages())
	if len(records) == 0 {
		fmt.Println("no indexes registered in the header page")
		return nil
	}
	fmt.Println("indexes:")
	for _, r := range records {
		fmt.Printf("  %-30s root page %d\n", r.Name, r.RootID)
	}
	return nil
}
