package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hitoshi/labelq/internal/config"
)

// skipConfigAnnotation が付いたコマンドは設定の読み込みを行わない。
const skipConfigAnnotation = "skipConfigLoad"

// commandContext はサブコマンド間で設定とログ出力先を共有する。
type commandContext struct {
	logWriter io.Writer
	cfg       *config.Config
}

// withRuntime はDB接続とサービスを組み立ててfnを実行し、終了後に接続を閉じる。
func (c *commandContext) withRuntime(cmd *cobra.Command, fn func(*runtime) error) error {
	rt, err := openRuntime(cmd.Context(), c.cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドが省略された場合はserveとして起動する。
// wはログの出力先。
func Run(ctx context.Context, w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand はlabelqのコマンドツリーを構築する。
func NewRootCommand(logWriter io.Writer) *cobra.Command {
	c := &commandContext{logWriter: logWriter}

	rootCmd := &cobra.Command{
		Use:           "labelq",
		Short:         "画像ラベル付け作業のクレーム調整サーバー",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			cfg, err := Init(c.logWriter)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			c.cfg = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), c.cfg)
		},
	}

	rootCmd.PersistentFlags().Bool("json", false, "表形式ではなくJSONで出力する")

	rootCmd.AddCommand(
		newServeCommand(c),
		newWorkerCommand(c),
		newMigrateCommand(c),
		newHealthcheckCommand(),
		newConfigCommand(),
		newReclaimCommand(c),
		newReleaseWorkerCommand(c),
		newIngestCommand(c),
		newSyncCommand(c),
		newStatsCommand(c),
		newLeaderboardCommand(c),
		newLabelersCommand(c),
	)

	return rootCmd
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations[skipConfigAnnotation] == "true" {
			return true
		}
	}
	return false
}

func newServeCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "APIサーバーを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), c.cfg)
		},
	}
}

func newWorkerCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "期限切れクレームの回収と定期同期を実行する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), c.cfg)
		},
	}
}

func newMigrateCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "データベースマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(c.cfg)
		},
	}
}

// newHealthcheckCommand はdistroless環境でのDockerヘルスチェック用コマンドを生成する。
// 軽量に動かすため設定の読み込みは行わない。
func newHealthcheckCommand() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:         "healthcheck",
		Short:       "稼働中のサーバーの /health を確認する",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				port := os.Getenv("SERVER_PORT")
				if port == "" {
					port = "8080"
				}
				url = "http://localhost:" + port
			}
			return runHealthcheck(cmd.Context(), strings.TrimSuffix(url, "/"))
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "確認するサーバーのベースURL（デフォルト: http://localhost:$SERVER_PORT）")
	return cmd
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "config",
		Short:       "設定項目の一覧を表示する",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.Usage())
			return nil
		},
	}
}

func newReclaimCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "期限切れのクレームを1回だけ回収する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(rt *runtime) error {
				n, err := rt.coord.ReclaimExpired(cmd.Context())
				if err != nil {
					return err
				}
				return printReleased(cmd, n)
			})
		},
	}
}

func newReleaseWorkerCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "release-worker <worker-id>",
		Short: "指定ワーカーの未ラベルのクレームをすべて解放する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(rt *runtime) error {
				n, err := rt.coord.ForceReleaseWorker(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printReleased(cmd, n)
			})
		},
	}
}

func printReleased(cmd *cobra.Command, n int64) error {
	if wantJSON(cmd) {
		return writeJSON(cmd, map[string]int64{"released": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %d claim(s)\n", n)
	return nil
}

// newIngestCommand は引数または標準入力（1行1件）のIDを取り込むコマンドを生成する。
func newIngestCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [id...]",
		Short: "アイテムを取り込む（引数がない場合は標準入力から1行1件で読む）",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := args
			if len(ids) == 0 {
				var err error
				ids, err = readLines(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read ids from stdin: %w", err)
				}
			}

			return c.withRuntime(cmd, func(rt *runtime) error {
				res, err := rt.ingest.Ingest(cmd.Context(), ids)
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return writeJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %d, skipped %d\n", res.Added, res.Skipped)
				return nil
			})
		},
	}
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func newSyncCommand(c *commandContext) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "同期元から画像一覧を取得して取り込む",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if source != "" {
				c.cfg.SyncSource = source
			}
			if c.cfg.SyncSource == "" {
				return fmt.Errorf("sync source is not configured: set SYNC_SOURCE or --source")
			}

			return c.withRuntime(cmd, func(rt *runtime) error {
				lister, err := rt.newLister()
				if err != nil {
					return err
				}
				report, err := rt.ingest.Sync(cmd.Context(), lister)
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return writeJSON(cmd, map[string]any{
						"runId":      report.RunID,
						"source":     report.Source,
						"total":      report.Total,
						"added":      report.Added,
						"skipped":    report.Skipped,
						"durationMs": report.Duration.Milliseconds(),
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d image(s), added %d, skipped %d (%s)\n",
					report.Source, report.Total, report.Added, report.Skipped, report.Duration)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "同期元（dir:///path または http(s)://...）。SYNC_SOURCEより優先")
	return cmd
}

func newStatsCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "全体の統計を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(rt *runtime) error {
				s, err := rt.stats.Global(cmd.Context())
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return writeJSON(cmd, s)
				}
				fmt.Fprintln(cmd.OutOrStdout(), globalStatsTable(s))
				return nil
			})
		},
	}
}

func newLeaderboardCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "leaderboard",
		Short: "ラベル付け件数のランキングを表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(rt *runtime) error {
				board, err := rt.stats.Leaderboard(cmd.Context())
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return writeJSON(cmd, board)
				}
				fmt.Fprintln(cmd.OutOrStdout(), leaderboardTable(board))
				return nil
			})
		},
	}
}

func newLabelersCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "labelers",
		Short: "ワーカーごとのクレームと作業状況を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(rt *runtime) error {
				view, err := rt.stats.AdminView(cmd.Context())
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return writeJSON(cmd, view)
				}
				fmt.Fprintln(cmd.OutOrStdout(), labelersTable(view))
				return nil
			})
		},
	}
}
