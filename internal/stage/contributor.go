package stage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sightline-analytics/pulse/internal/enrich"
	"github.com/sightline-analytics/pulse/internal/model"
	"github.com/sightline-analytics/pulse/pkg/tracker"
)

// ContributorSummary is the contributor stage's recorded output. Authored
// and Assigned are kept as separate tallies; resolution credit follows
// authorship.
type ContributorSummary struct {
	Authored  map[string]int           `json:"authored"`
	Assigned  map[string]int           `json:"assigned"`
	Resolved  map[string]int           `json:"resolved"`
	Profiles  map[string]model.Profile `json:"profiles"`
	BotCount  int                      `json:"bot_count"`
	TopAuthor string                   `json:"top_author"`
}

// ContributorStage resolves who did the work in a window. Profile lookups go
// through the enrichment cache so a login is fetched at most once per run.
// Optional: lookup failures degrade, they do not abort.
type ContributorStage struct {
	cache   *enrich.Cache
	client  tracker.Client
	workers int
}

// NewContributorStage creates the contributor stage.
func NewContributorStage(cache *enrich.Cache, client tracker.Client, workers int) *ContributorStage {
	if workers <= 0 {
		workers = 4
	}
	return &ContributorStage{cache: cache, client: client, workers: workers}
}

func (s *ContributorStage) Name() model.StageKey        { return model.StageContributors }
func (s *ContributorStage) Required() bool              { return false }
func (s *ContributorStage) DependsOn() []model.StageKey { return nil }

func (s *ContributorStage) ValidateInput(rc *model.RunContext) error {
	if len(rc.Records()) == 0 {
		return eris.New("contributors: no records to attribute")
	}
	return nil
}

func (s *ContributorStage) Execute(ctx context.Context, rc *model.RunContext) model.StageResult {
	start := time.Now()
	records := rc.Records()

	summary := ContributorSummary{
		Authored: make(map[string]int),
		Assigned: make(map[string]int),
		Resolved: make(map[string]int),
		Profiles: make(map[string]model.Profile),
	}

	logins := make(map[string]struct{})
	for _, rec := range records {
		if rec.AuthorLogin != "" {
			summary.Authored[rec.AuthorLogin]++
			logins[rec.AuthorLogin] = struct{}{}
			if rec.State == "closed" {
				summary.Resolved[rec.AuthorLogin]++
			}
		}
		if rec.AssigneeLogin != "" {
			summary.Assigned[rec.AssigneeLogin]++
			logins[rec.AssigneeLogin] = struct{}{}
		}
	}

	resolved, failed, err := s.resolveProfiles(ctx, rc, logins)
	if err != nil {
		return model.StageResult{
			Stage:    model.StageContributors,
			Success:  false,
			Duration: time.Since(start),
			Error:    err.Error(),
		}
	}
	for login, p := range resolved {
		summary.Profiles[login] = p
		if p.Bot {
			summary.BotCount++
		}
	}
	summary.TopAuthor = topKey(summary.Authored)

	confidence := 1.0
	if len(logins) > 0 {
		confidence = float64(len(resolved)) / float64(len(logins))
	}

	zap.L().Info("contributor stage complete",
		zap.Int("records", len(records)),
		zap.Int("logins", len(logins)),
		zap.Int("resolved", len(resolved)),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)),
	)

	return model.StageResult{
		Stage:      model.StageContributors,
		Success:    true,
		Data:       summary,
		Confidence: confidence,
		Duration:   time.Since(start),
		Degraded:   failed > 0,
	}
}

// resolveProfiles looks up each distinct login through the cache. Failures
// are recorded on the run context and counted, not fatal.
func (s *ContributorStage) resolveProfiles(ctx context.Context, rc *model.RunContext, logins map[string]struct{}) (map[string]model.Profile, int, error) {
	var (
		mu       sync.Mutex
		resolved = make(map[string]model.Profile)
		failed   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for login := range logins {
		g.Go(func() error {
			p, err := s.cache.GetOrFetch(gctx, login, func(fctx context.Context) (model.Profile, error) {
				actor, err := s.client.Actor(fctx, login)
				if err != nil {
					return model.Profile{}, err
				}
				return model.Profile{
					Login: actor.Login,
					Name:  actor.Name,
					Team:  actor.Team,
					Bot:   actor.Bot,
				}, nil
			})

			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				rc.AddError(model.RunError{
					Stage:   model.StageContributors,
					Message: eris.Wrapf(err, "profile lookup for %q failed", login).Error(),
				})
				return nil
			}
			resolved[login] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, failed, err
	}

	return resolved, failed, nil
}

func (s *ContributorStage) ValidateOutput(res model.StageResult) error {
	if !res.Success {
		return nil
	}
	summary, ok := res.Data.(ContributorSummary)
	if !ok {
		return eris.Errorf("contributors: unexpected output type %T", res.Data)
	}
	for login := range summary.Resolved {
		if _, authored := summary.Authored[login]; !authored {
			return eris.Errorf("contributors: resolution credit for non-author %q", login)
		}
	}
	return nil
}

// topKey returns the key with the highest count, ties broken alphabetically.
func topKey(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
