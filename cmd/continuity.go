package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// continuityCmd は、2パスの整合化を実行するのだ。Pass A で参照の記述を
// 使用実績から統合して正準画像を再生成し、Pass B でシーン記述を承認済みの
// 参照に合わせて書き直すのだ。出力は animation_metadata_consistent.json で、
// 元のスナップショットは残るのだ。
var continuityCmd = &cobra.Command{
	Use:     "continuity",
	Short:   "参照とシーン記述の整合化（2パス）を実行するのだ",
	Example: "  ai-story-to-movie continuity -o cinematic_render",
	RunE:    continuityCommand,
}

func continuityCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := buildManager(ctx)
	if err != nil {
		return err
	}
	// 整合化は常に元スナップショットから。二重適用を防ぐのだ。
	corpus, err := m.LoadOriginalCorpus()
	if err != nil {
		return err
	}

	aligned, err := m.Continuity(ctx, corpus)
	if err != nil {
		return err
	}
	slog.Info("整合化が完了したのだ！", "scenes", len(aligned.Scenes))
	return nil
}
