package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// storyboardCmd は、物語テキストを脚本に分解してシーン・パネルの
// メタデータ（animation_metadata.json）まで展開するのだ。
var storyboardCmd = &cobra.Command{
	Use:     "storyboard",
	Short:   "脚本分解とシーン展開でメタデータを作るのだ",
	Example: "  ai-story-to-movie storyboard -f story.txt -o cinematic_render",
	RunE:    storyboardCommand,
}

func storyboardCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	text, err := readStory()
	if err != nil {
		return err
	}
	m, err := buildManager(ctx)
	if err != nil {
		return err
	}

	corpus, err := m.Storyboard(ctx, text)
	if err != nil {
		return err
	}
	slog.Info("シーン展開が完了したのだ！", "scenes", len(corpus.Scenes))
	return nil
}
