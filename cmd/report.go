package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sightline-analytics/pulse/internal/config"
	"github.com/sightline-analytics/pulse/internal/enrich"
	"github.com/sightline-analytics/pulse/internal/fetch"
	"github.com/sightline-analytics/pulse/internal/model"
	"github.com/sightline-analytics/pulse/internal/pipeline"
	"github.com/sightline-analytics/pulse/internal/resilience"
	"github.com/sightline-analytics/pulse/internal/snapshot"
	"github.com/sightline-analytics/pulse/internal/stage"
	"github.com/sightline-analytics/pulse/pkg/classifier"
	"github.com/sightline-analytics/pulse/pkg/tracker"
)

var (
	reportStart  string
	reportEnd    string
	reportStages []string
	reportPeriod string
	reportOut    string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Run a report over a date range",
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportStart, "start", "", "range start (YYYY-MM-DD or RFC3339, default: end minus 7 days)")
	reportCmd.Flags().StringVar(&reportEnd, "end", "", "range end, exclusive (default: now)")
	reportCmd.Flags().StringSliceVar(&reportStages, "stages", nil, "stages to run (default: all)")
	reportCmd.Flags().StringVar(&reportPeriod, "period", "", "snapshot granularity: daily, weekly, monthly")
	reportCmd.Flags().StringVar(&reportOut, "out", "", "write the report JSON to this file instead of stdout")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	start, end, err := parseRange(reportStart, reportEnd)
	if err != nil {
		return err
	}

	trackerClient := tracker.NewClient(cfg.Tracker.Token,
		tracker.WithBaseURL(cfg.Tracker.BaseURL),
		tracker.WithRequestsPerMinute(cfg.Tracker.RequestsPerMinute),
		tracker.WithTimeout(time.Duration(cfg.Tracker.TimeoutSecs)*time.Second),
	)

	fetcher := fetch.New(trackerClient, fetch.Options{
		ChunkThreshold: time.Duration(cfg.Fetch.ChunkThresholdHours) * time.Hour,
		ChunkSize:      time.Duration(cfg.Fetch.ChunkSizeHours) * time.Hour,
		PageSize:       cfg.Fetch.PageSize,
		MaxRetries:     cfg.Fetch.MaxRetries,
		Pool:           resilience.NewPool("tracker", cfg.Tracker.MaxConcurrent),
		OnProgress: func(p fetch.Progress) {
			zap.L().Info("window fetched",
				zap.Time("start", p.Window.Start),
				zap.Time("end", p.Window.End),
				zap.Int("records", p.Records),
			)
		},
	})

	cacheStore, err := enrich.NewSQLiteStore(cfg.Cache.Path)
	if err != nil {
		return err
	}
	defer cacheStore.Close()
	if err := cacheStore.Migrate(cmd.Context()); err != nil {
		return err
	}
	cache := enrich.NewCache(cacheStore, time.Duration(cfg.Cache.TTLHours)*time.Hour)

	snapStore, err := snapshot.Open(cfg.Snapshot.Path)
	if err != nil {
		return err
	}
	defer snapStore.Close()
	if err := snapStore.Migrate(cmd.Context()); err != nil {
		return err
	}

	registry, err := buildRegistry(cfg, cache, trackerClient)
	if err != nil {
		return err
	}

	runner := pipeline.NewRunner(fetcher, pipeline.NewOrchestrator(registry), snapStore)

	periodType := model.PeriodType(cfg.Snapshot.PeriodType)
	if reportPeriod != "" {
		periodType = model.PeriodType(reportPeriod)
	}
	stages := make([]model.StageKey, 0, len(reportStages))
	for _, s := range reportStages {
		stages = append(stages, model.StageKey(s))
	}

	report, err := runner.Run(cmd.Context(), model.RunConfig{
		Start:      start,
		End:        end,
		Stages:     stages,
		PeriodType: periodType,
	})
	if err != nil {
		return err
	}

	return writeReport(report)
}

// buildRegistry wires the stage set. The category and sentiment stages share
// one provider, permit pool, and circuit breaker so model pressure is
// bounded globally.
func buildRegistry(cfg *config.Config, cache *enrich.Cache, trackerClient tracker.Client) (*stage.Registry, error) {
	provider := classifier.NewSDKProvider(cfg.Classifier.Key, cfg.Classifier.Model)
	pool := resilience.NewPool("classifier", cfg.Classifier.MaxConcurrent)
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		ShouldTrip: resilience.IsTransient,
	})
	opts := classifier.Options{
		CallTimeout: time.Duration(cfg.Classifier.CallTimeoutSecs) * time.Second,
		Breaker:     breaker,
		Pool:        pool,
	}

	categories := cfg.Classifier.Categories
	if len(categories) == 0 {
		categories = stage.DefaultCategories
	}
	categoryRules := classifier.NewRuleSet("maintenance").
		Add("bug", "crash", "panic", "error", "broken", "regression", "fails").
		Add("feature", "add support", "feature request", "would be nice", "proposal").
		Add("question", "how do i", "how to", "question", "?")
	sentimentRules := classifier.NewRuleSet("neutral").
		Add("negative", "frustrat", "broken", "terrible", "unusable", "annoying").
		Add("positive", "thanks", "great", "love", "works well", "appreciated")

	workers := cfg.Stages.Workers
	return stage.NewRegistry(
		stage.NewCategoryStage(classifier.New(provider, categoryRules, opts), categories, workers),
		stage.NewSentimentStage(classifier.New(provider, sentimentRules, opts), workers),
		stage.NewContributorStage(cache, trackerClient, workers),
		stage.NewMetricsStage(),
	)
}

func parseRange(startFlag, endFlag string) (start, end time.Time, err error) {
	end = time.Now().UTC()
	if endFlag != "" {
		end, err = parseTime(endFlag)
		if err != nil {
			return start, end, fmt.Errorf("parse --end: %w", err)
		}
	}
	start = end.AddDate(0, 0, -7)
	if startFlag != "" {
		start, err = parseTime(startFlag)
		if err != nil {
			return start, end, fmt.Errorf("parse --start: %w", err)
		}
	}
	return start, end, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	return t.UTC(), err
}

func writeReport(report *model.ReportPayload) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if reportOut == "" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(reportOut, data, 0o644)
}
