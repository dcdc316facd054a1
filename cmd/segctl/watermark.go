package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWatermarkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watermark",
		Short: "Print the segment's max_applied_offset",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSegment()
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Println(s.MaxAppliedOffset())
			return nil
		},
	}
}
