package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// castCmd は、物語テキストから人物・場所・小道具を発見し、
// 参照カタログに正準画像つきで登録するのだ。
var castCmd = &cobra.Command{
	Use:     "cast",
	Short:   "物語テキストからキャスティングして参照カタログを作るのだ",
	Example: "  ai-story-to-movie cast -f story.txt",
	RunE:    castCommand,
}

func castCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	text, err := readStory()
	if err != nil {
		return err
	}
	m, err := buildManager(ctx)
	if err != nil {
		return err
	}

	slog.Info("キャスティングを開始するのだ", "catalog", opts.CatalogDir)
	if err := m.Cast(ctx, text); err != nil {
		return err
	}
	slog.Info("キャスティング完了なのだ！")
	return nil
}
