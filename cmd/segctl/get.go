package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newGetCmd() *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print vectors for the given ids, or every live vector if none given",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSegment()
			if err != nil {
				return err
			}
			defer s.Close()

			var target []string
			if len(ids) > 0 {
				target = ids
			}
			records := s.GetVectors(target)
			enc := json.NewEncoder(os.Stdout)
			for _, r := range records {
				if err := enc.Encode(r); err != nil {
					return fmt.Errorf("encode result: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ids, "id", nil, "id to fetch (repeatable); omit to fetch all")
	return cmd
}
