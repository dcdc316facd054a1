package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the segment's live record count",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSegment()
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Println(s.Count())
			return nil
		},
	}
}
