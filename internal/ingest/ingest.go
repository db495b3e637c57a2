// Package ingest defines the Ingestor collaborator boundary. Documentation
// fetching itself is out of scope for this module; callers wire a concrete
// implementation (an HTTP crawler, a sitemap walker, …) behind this
// interface.
package ingest

import (
	"context"

	"github.com/codeready-toolchain/doceval/internal/domain"
)

// Options tunes how a docs site is crawled; fields are collaborator-specific
// and opaque to the orchestrator beyond being passed through.
type Options struct {
	MaxPages int
}

// Result is everything the orchestrator needs from one ingestion pass.
type Result struct {
	NormalizedDocsURL string
	Artifacts         []domain.Artifact
	LLMsText          string
	LLMsFullText      string
	SkillText         string
	DiscoveredPages   []string
}

// Ingestor fetches and normalizes documentation artifacts from a base URL.
type Ingestor interface {
	Ingest(ctx context.Context, docsURL string, opts Options) (*Result, error)
}
