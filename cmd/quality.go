package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// qualityCmd は、切り出し済みパネルを参照カタログと突き合わせて採点し、
// quality_report.json を出力するのだ。要リファインのパネルが1枚でもあれば
// 終了コードは非ゼロになるのだ（CIでのゲートに使えるのだ）。
var qualityCmd = &cobra.Command{
	Use:     "quality",
	Short:   "パネル品質を採点して quality_report.json を出力するのだ",
	Example: "  ai-story-to-movie quality -o cinematic_render --threshold 6",
	RunE:    qualityCommand,
}

func qualityCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := buildManager(ctx)
	if err != nil {
		return err
	}
	corpus, err := m.LoadCorpus()
	if err != nil {
		return err
	}

	report, err := m.Quality(ctx, corpus)
	if err != nil {
		return err
	}
	if report.NeedsRefinement > 0 {
		return fmt.Errorf("品質ゲート不合格: %d / %d パネルが要リファインなのだ", report.NeedsRefinement, report.TotalPanels)
	}
	slog.Info("品質ゲート合格なのだ！", "panels", report.TotalPanels,
		"avg_fidelity", report.AvgFidelity, "avg_consistency", report.AvgConsistency)
	return nil
}
