package search

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kpath-enterprise/kpath/pkg/embedding"
)

// searchWorkflows mines repeated successful invocation patterns and
// ranks their synthesized descriptions against the query.
func (s *Service) searchWorkflows(ctx context.Context, queryVector []float32, req *SearchRequest) ([]*SearchResult, error) {
	triples, err := s.catalog.WorkflowTriples(ctx, s.opts.MinWorkflowInvocations)
	if err != nil {
		return nil, fmt.Errorf("failed to mine workflow patterns: %w", err)
	}
	if len(triples) == 0 {
		return []*SearchResult{}, nil
	}

	texts := make([]string, len(triples))
	for i, tr := range triples {
		texts[i] = embedding.ComposeWorkflowText(tr)
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed workflow descriptions: %w", err)
	}

	ranked := rankAgainst(queryVector, vectors)
	results := make([]*SearchResult, 0, req.Limit)
	for _, r := range ranked {
		if r.score < req.MinScore {
			continue
		}
		tr := triples[r.index]
		results = append(results, &SearchResult{
			ServiceID:  tr.TargetID,
			Score:      r.score,
			EntityType: EntityWorkflow,
			WorkflowData: &WorkflowData{
				InitiatorID:     tr.InitiatorID,
				TargetID:        tr.TargetID,
				ToolID:          tr.ToolID,
				InvocationCount: tr.InvocationCount,
				Description:     texts[r.index],
			},
			Distance: distanceOf(r.score),
		})
		if len(results) == req.Limit {
			break
		}
	}
	return results, nil
}

// searchCapabilities ranks capability rows and tool lines against the
// query and deduplicates by parent service, first (best) hit winning.
func (s *Service) searchCapabilities(ctx context.Context, queryVector []float32, req *SearchRequest) ([]*SearchResult, error) {
	capabilities, err := s.catalog.ActiveCapabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list capabilities: %w", err)
	}
	tools, err := s.catalog.ActiveTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if len(capabilities)+len(tools) == 0 {
		return []*SearchResult{}, nil
	}

	type line struct {
		serviceID int64
		text      string
	}
	lines := make([]line, 0, len(capabilities)+len(tools))
	for _, c := range capabilities {
		lines = append(lines, line{serviceID: c.ServiceID, text: embedding.ComposeCapabilityText(c)})
	}
	for _, t := range tools {
		lines = append(lines, line{serviceID: t.ServiceID, text: embedding.ComposeToolText(t)})
	}

	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed capability lines: %w", err)
	}

	ranked := rankAgainst(queryVector, vectors)

	seen := make(map[int64]struct{})
	winners := make([]rankedRow, 0, req.Limit)
	for _, r := range ranked {
		if r.score < req.MinScore {
			continue
		}
		serviceID := lines[r.index].serviceID
		if _, dup := seen[serviceID]; dup {
			continue
		}
		seen[serviceID] = struct{}{}
		winners = append(winners, r)
		if len(winners) == req.Limit {
			break
		}
	}
	if len(winners) == 0 {
		return []*SearchResult{}, nil
	}

	ids := make([]int64, len(winners))
	for i, w := range winners {
		ids[i] = lines[w.index].serviceID
	}
	services, err := s.catalog.ServicesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate services: %w", err)
	}

	results := make([]*SearchResult, 0, len(winners))
	for _, w := range winners {
		svc, ok := services[lines[w.index].serviceID]
		if !ok {
			continue
		}
		results = append(results, &SearchResult{
			ServiceID:  svc.ID,
			Score:      w.score,
			EntityType: EntityCapability,
			Service:    newServiceRecord(svc, req.IncludeOrchestration),
			Distance:   distanceOf(w.score),
		})
	}
	return results, nil
}

type rankedRow struct {
	index int
	score float64
}

// rankAgainst scores each row against the query vector using the same
// bounded cosine mapping the persistent indexes use, descending.
func rankAgainst(queryVector []float32, rows [][]float32) []rankedRow {
	out := make([]rankedRow, len(rows))
	for i, row := range rows {
		out[i] = rankedRow{index: i, score: cosineScore(queryVector, row)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// cosineScore maps cosine similarity into [0,1]; a zero vector on
// either side scores 0.
func cosineScore(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return (cos + 1) / 2
}
