// Command syspatch applies a streaming XZ/VCDIFF patch to rewrite a
// source byte stream into a target byte stream, in place when source
// and target name the same file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/syspatch/internal/config"
	"github.com/deploymenttheory/syspatch/internal/engine"
	"github.com/deploymenttheory/syspatch/internal/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syspatch <source> <patch> <target>",
		Short: "Apply a streaming XZ/VCDIFF block patch",
		Long: `syspatch rewrites a target byte stream from a source byte stream and
a patch, without ever holding either file fully in memory.

Two positional forms are accepted:

  syspatch <source> <patch> <target>
  syspatch <source> <sourcemap> <patch> <target> <targetmap>

The 5-argument form supplies a don't-care block map for the source and
target files; omitted maps default to a single unbounded care region.`,
		Args:             cobra.MatchAll(cobra.RangeArgs(3, 5), validArgCount),
		PersistentPreRun: setupLogging,
		RunE:             run,
		SilenceUsage:     true,
		SilenceErrors:    true,
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose debugging output")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("log-file", "", "log to file instead of stderr")

	rootCmd.Flags().Int64("block-size", config.DefaultBlockSize, "source cache / VCDIFF addressing block size, bytes")
	rootCmd.Flags().Int64("target-window-size", config.DefaultTargetWindowSize, "write queue slot size, bytes")
	rootCmd.Flags().Int64("source-window-size", config.DefaultSourceWindowSize, "VCDIFF source window size, bytes")
	rootCmd.Flags().Int("write-queue-length", config.DefaultWriteQueueLength, "number of buffered target windows")
	rootCmd.Flags().Int("read-cache-length", config.DefaultReadCacheLength, "number of cached source blocks")
	rootCmd.Flags().Int("xz-output-size", config.DefaultXZOutputSize, "XZ feeder output chunk size, bytes")
	rootCmd.Flags().Uint32("xz-dict-size", config.DefaultXZDictSize, "XZ/LZMA2 dictionary capacity, bytes")

	if err := rootCmd.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

// validArgCount enforces the 3-arg or 5-arg positional forms; 4
// arguments is neither and is rejected explicitly rather than silently
// misinterpreted.
func validArgCount(cmd *cobra.Command, args []string) error {
	if len(args) == 4 {
		return fmt.Errorf("accepts 3 or 5 args, received 4")
	}
	return nil
}

func setupLogging(cmd *cobra.Command, args []string) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		logger.SetLevel(logger.LevelDebug)
	} else {
		logger.SetLevel(logger.LevelInfo)
	}

	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		logger.DisableColors()
	}

	if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			logger.Errorf("failed to open log file: %v", err)
		} else {
			logger.DisableColors()
			logger.Initialize(file, file, file, file)
			logger.Infof("logging to file: %s", logFile)
		}
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.New()

	switch len(args) {
	case 3:
		cfg.SourcePath, cfg.PatchPath, cfg.TargetPath = args[0], args[1], args[2]
	case 5:
		cfg.SourcePath, cfg.SourceMap, cfg.PatchPath, cfg.TargetPath, cfg.TargetMap =
			args[0], args[1], args[2], args[3], args[4]
	}

	cfg.BlockSize, _ = cmd.Flags().GetInt64("block-size")
	cfg.TargetWindowSize, _ = cmd.Flags().GetInt64("target-window-size")
	cfg.SourceWindowSize, _ = cmd.Flags().GetInt64("source-window-size")
	cfg.WriteQueueLength, _ = cmd.Flags().GetInt("write-queue-length")
	cfg.ReadCacheLength, _ = cmd.Flags().GetInt("read-cache-length")
	cfg.XZOutputSize, _ = cmd.Flags().GetInt("xz-output-size")
	cfg.XZDictSize, _ = cmd.Flags().GetUint32("xz-dict-size")

	logger.Infof("patching %s -> %s using %s", cfg.SourcePath, cfg.TargetPath, cfg.PatchPath)

	if err := engine.Apply(cfg); err != nil {
		return err
	}

	logger.Infof("patch succeeded")
	return nil
}
