package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	flagConfigPath string
	flagLogLevel   string
	flagLogFile    string
	flagVerbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rtptun",
		Short:         "Disguise a UDP flow as an RTP media stream",
		Long:          "rtptun tunnels arbitrary UDP traffic inside packets shaped like RTPv2 media, encrypted with ChaCha20-Poly1305.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a YAML config file (flags below override it)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn, or error")
	root.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "log file path (default: stdout)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "shorthand for --log-level=debug")

	root.AddCommand(newGenkeyCmd())
	root.AddCommand(newClientCmd())
	root.AddCommand(newServerCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rtptun:", err)
		os.Exit(1)
	}
}
