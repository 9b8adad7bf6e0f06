package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// animateCmd は、切り出し済みパネルから動画クリップを順に生成するのだ。
// 生成済みクリップはスキップされるため、割当が尽きても翌日続きから回せるのだ。
var animateCmd = &cobra.Command{
	Use:     "animate",
	Short:   "パネルから動画クリップを生成するのだ",
	Example: "  ai-story-to-movie animate -o cinematic_render",
	RunE:    animateCommand,
}

func animateCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := buildManager(ctx)
	if err != nil {
		return err
	}
	corpus, err := m.LoadCorpus()
	if err != nil {
		return err
	}

	stats, err := m.Animate(ctx, corpus)
	if err != nil {
		slog.Error("アニメーションが途中で停止したのだ", "generated", stats.Generated, "failed", stats.Failed)
		return err
	}
	slog.Info("アニメーション完了なのだ！", "generated", stats.Generated, "skipped", stats.Skipped, "failed", stats.Failed)
	return nil
}
