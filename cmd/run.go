package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// runCmd は、キャスティング → 脚本分解 → シーン展開 → グリッド生成を
// 一気通貫で実行する統合コマンドなのだ！
var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "キャスティングからグリッド生成までを一気通貫で実行するのだ",
	Example: "  ai-story-to-movie run -f story.txt -o cinematic_render",
	RunE:    runCommand,
}

func runCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	text, err := readStory()
	if err != nil {
		return err
	}
	m, err := buildManager(ctx)
	if err != nil {
		return err
	}

	slog.Info("プリロールを開始するのだ", "out", opts.OutDir)
	if err := m.Preroll(ctx, text); err != nil {
		return err
	}
	slog.Info("プリロール完了なのだ！次は quality で品質ゲートにかけるのだよ。")
	return nil
}
