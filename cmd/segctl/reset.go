package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	var allowReset bool
	cmd := &cobra.Command{
		Use:   "reset-state",
		Short: "Close the segment and delete its directory (requires --allow-reset)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSegment()
			if err != nil {
				return err
			}
			if !allowReset {
				s.Close()
				return fmt.Errorf("refusing to reset without --allow-reset")
			}
			if err := s.Close(); err != nil {
				return fmt.Errorf("close before reset failed: %w", err)
			}
			// ResetState is gated on Config.AllowReset, which openSegment
			// builds from DefaultConfig (false); reopen isn't needed since
			// Delete only checks the lifecycle state, already Closed here.
			if err := s.Delete(); err != nil {
				return fmt.Errorf("reset failed: %w", err)
			}
			fmt.Println("segment reset")
			return nil
		},
	}
	cmd.Flags().BoolVar(&allowReset, "allow-reset", false, "confirm destructive reset")
	return cmd
}
