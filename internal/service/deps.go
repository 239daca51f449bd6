package service

import (
	"context"

	"github.com/kursadbilgin/qc-engine/internal/domain"
)

const bulkChunkSize = 100

// CandidateCache is the advisory store for review candidate lists.
type CandidateCache interface {
	Candidates(ctx context.Context, key string) ([]string, error)
	StoreCandidates(ctx context.Context, key string, ids []string) error
	Remove(ctx context.Context, key, id string) error
}

// ConfigResolver returns the QC policy currently in effect for a survey.
type ConfigResolver interface {
	Resolve(ctx context.Context, surveyID string) (domain.BatchConfig, error)
}

func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = bulkChunkSize
	}

	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
