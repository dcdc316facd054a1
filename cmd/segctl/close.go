package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Flush the open batch and cleanly close the segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSegment()
			if err != nil {
				return err
			}
			if err := s.Close(); err != nil {
				return fmt.Errorf("close failed: %w", err)
			}
			fmt.Println("closed")
			return nil
		},
	}
}
