package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chroma-core/vectorsegment/internal/segment"
)

func newQueryCmd() *cobra.Command {
	var vectorCsv string
	var k int
	var allowIds []string
	var includeEmbeddings bool

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a k-NN query against the segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			vec, err := parseVector(vectorCsv)
			if err != nil {
				return err
			}

			s, err := openSegment()
			if err != nil {
				return err
			}
			defer s.Close()

			q := segment.Query{
				Vectors:           [][]float32{vec},
				K:                 k,
				IncludeEmbeddings: includeEmbeddings,
			}
			if len(allowIds) > 0 {
				q.AllowIds = allowIds
			}

			results, err := s.QueryVectors(context.Background(), q)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			return enc.Encode(results[0])
		},
	}

	cmd.Flags().StringVar(&vectorCsv, "vector", "", "comma-separated query vector, e.g. 0.1,0.2,0.3")
	cmd.Flags().IntVar(&k, "k", 10, "number of nearest neighbors to return")
	cmd.Flags().StringSliceVar(&allowIds, "allow-id", nil, "restrict results to this id (repeatable)")
	cmd.Flags().BoolVar(&includeEmbeddings, "include-embeddings", false, "include the embedding in each result")
	cmd.MarkFlagRequired("vector")
	return cmd
}

func parseVector(csv string) ([]float32, error) {
	parts := strings.Split(csv, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}
