package builtin

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
	"golang.org/x/sync/errgroup"
)

const defaultRetrieverConcurrency = 8

// Retriever ranks the documents supplied with the job against the plan's
// keywords and keeps the best MaxSources of them.
type Retriever struct {
	Concurrency int
}

func (r Retriever) Execute(ctx context.Context, in workflow.StageInput, cfg workflow.StageConfig) (models.StateSlice, error) {
	keywords := planKeywords(in)
	docs := filterDomains(in.Constraints.Documents, in.Constraints.Domains)

	limit := r.Concurrency
	if limit <= 0 {
		limit = defaultRetrieverConcurrency
	}
	minScore := paramFloat(cfg.Params, "min_score", 0)

	scored := make([]models.Source, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, doc := range docs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scored[i] = models.Source{
				Origin:  doc.Origin,
				Title:   doc.Title,
				Content: doc.Content,
				Score:   overlap(keywords, doc.Title+" "+doc.Content),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.StateSlice{}, err
	}

	sources := make([]models.Source, 0, len(scored))
	for _, s := range scored {
		if s.Score > 0 && s.Score >= minScore {
			sources = append(sources, s)
		}
	}
	sort.SliceStable(sources, func(a, b int) bool {
		if sources[a].Score != sources[b].Score {
			return sources[a].Score > sources[b].Score
		}
		return sources[a].Origin < sources[b].Origin
	})
	if max := in.Constraints.MaxSources; max > 0 && len(sources) > max {
		sources = sources[:max]
	}
	for i := range sources {
		sources[i].ID = fmt.Sprintf("S%d", i+1)
	}

	return models.StateSlice{
		Messages: []models.Message{{
			Role:    "assistant",
			Content: fmt.Sprintf("Retrieved %d of %d supplied documents.", len(sources), len(in.Constraints.Documents)),
			At:      time.Now().UTC(),
		}},
		Sources: sources,
	}, nil
}

// filterDomains keeps documents whose origin host is one of domains or a
// subdomain of one. With no domains every document is kept.
func filterDomains(docs []models.Document, domains []string) []models.Document {
	if len(domains) == 0 {
		return docs
	}
	var out []models.Document
	for _, d := range docs {
		u, err := url.Parse(d.Origin)
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := strings.ToLower(u.Hostname())
		for _, domain := range domains {
			domain = strings.ToLower(strings.TrimPrefix(domain, "."))
			if host == domain || strings.HasSuffix(host, "."+domain) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func paramFloat(params map[string]string, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func paramInt(params map[string]string, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return def
	}
	return i
}
