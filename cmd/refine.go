package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// refineCmd は、品質レポートで不合格になったパネルを一括で描き直すのだ。
// 元パネルは構図の手本として保たれ、成果物は refined/ に別名で保存されるのだ。
var refineCmd = &cobra.Command{
	Use:     "refine",
	Short:   "品質レポートを基に不合格パネルを一括リファインするのだ",
	Example: "  ai-story-to-movie refine -o cinematic_render",
	RunE:    refineCommand,
}

func refineCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := buildManager(ctx)
	if err != nil {
		return err
	}
	corpus, err := m.LoadCorpus()
	if err != nil {
		return err
	}

	stats, err := m.Refine(ctx, corpus)
	if err != nil {
		return err
	}
	slog.Info("リファイン完了なのだ！", "refined", stats.Refined, "skipped", stats.Skipped, "failed", stats.Failed)
	return nil
}
