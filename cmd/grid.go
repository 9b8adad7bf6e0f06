package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// gridCmd は、保存済みメタデータを基に各シーンの統合グリッド画像を生成し、
// パネル単位に切り出すのだ。生成済みのシーンはスキップされるのだ。
var gridCmd = &cobra.Command{
	Use:     "grid",
	Short:   "シーンごとの統合グリッド画像を生成して切り出すのだ",
	Example: "  ai-story-to-movie grid -o cinematic_render",
	RunE:    gridCommand,
}

func gridCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := buildManager(ctx)
	if err != nil {
		return err
	}
	corpus, err := m.LoadCorpus()
	if err != nil {
		return err
	}

	slog.Info("グリッド生成を開始するのだ", "scenes", len(corpus.Scenes))
	return m.Grid(ctx, corpus)
}
