package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConsistencyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consistency-check",
		Short: "Validate the segment's internal id-map and HNSW invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSegment()
			if err != nil {
				return err
			}
			defer s.Close()

			result := s.CheckConsistency()
			fmt.Printf("checked %d entries in %s\n", result.Checked, result.Duration)
			if len(result.Inconsistencies) == 0 {
				fmt.Println("no inconsistencies found")
				return nil
			}
			for _, issue := range result.Inconsistencies {
				fmt.Printf("- %s: id=%q label=%d: %s\n", issue.Type, issue.Id, issue.Label, issue.Details)
			}
			return fmt.Errorf("%d inconsistencies found", len(result.Inconsistencies))
		},
	}
}
