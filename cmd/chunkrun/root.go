// cmd/chunkrun/root.go
package chunkrun

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chunkrun/chunkrun/generator"
	"github.com/chunkrun/chunkrun/pipeline/loader"

	_ "github.com/chunkrun/chunkrun/pipeline/backend/manifest"
)

var (
	pipelineDir  string
	prefix       string
	prompt       string
	maxNewTokens int
	logLevel     string
	vocabFlag    int64
)

var rootCmd = &cobra.Command{
	Use:   "chunkrun",
	Short: "Run a chunked LLM inference pipeline from a directory of compiled fragments",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load a fragment set and stream tokens for a prompt",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		ctx := context.Background()
		logrus.Infof("loading pipeline from %s (prefix %q)", pipelineDir, prefix)

		p, err := loader.Load(ctx, pipelineDir, prefix, func(status string, fraction float64) {
			logrus.Infof("loading: %s (%.0f%%)", status, fraction*100)
		})
		if err != nil {
			logrus.Fatalf("load failed: %v", err)
		}

		tok := generator.NewWhitespaceTokenizer(vocabFlag)
		gen := generator.New(p, tok)

		stream, err := gen.Generate(ctx, prompt, maxNewTokens)
		if err != nil {
			logrus.Fatalf("generate failed: %v", err)
		}

		for {
			tokn, err := stream.Recv(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				logrus.Fatalf("stream error: %v", err)
			}
			logrus.WithFields(logrus.Fields{
				"token":      tokn.Text,
				"latency_ms": tokn.LatencyMS,
			}).Info("generated token")
		}
		logrus.Infof("done, %.2f tokens/sec", stream.TokensPerSecond())
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&pipelineDir, "dir", ".", "directory containing the compiled fragment set")
	runCmd.Flags().StringVar(&prefix, "prefix", "model", "filename prefix identifying fragments belonging to this pipeline")
	runCmd.Flags().StringVar(&prompt, "prompt", "", "prompt text, tokenized with a deterministic whitespace tokenizer")
	runCmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 32, "maximum number of tokens to generate")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "log level (debug, info, warn, error)")
	runCmd.Flags().Int64Var(&vocabFlag, "tokenizer-vocab", 32000, "vocabulary size for the demo whitespace tokenizer")

	rootCmd.AddCommand(runCmd)
}
