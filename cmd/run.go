package cmd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/grafana/sobek"
	"github.com/shiroyk/esmgraph/js"
	"github.com/shiroyk/esmgraph/lib/config"
	"github.com/spf13/cobra"
)

// stdinSpecifier the main module specifier of the source read from stdin
const stdinSpecifier = "./__stdin__.js"

var (
	outputPath string
	timeoutArg time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <module>",
	Short: "evaluate the main module and print its default export as JSON, \"-\" reads the module from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		if cmd.Flags().Changed("timeout") {
			cfg.JS.Timeout = timeoutArg
		}

		specifier, code := args[0], []byte(nil)
		if specifier == "-" {
			bytes, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			specifier, code = stdinSpecifier, bytes
		}

		w := cmd.OutOrStdout()
		if outputPath != "" {
			if filepath.Ext(outputPath) == "" {
				outputPath += ".json"
			}
			file, err := os.Create(outputPath)
			if err != nil {
				return err
			}
			defer file.Close()
			w = file
		}
		return run(cmd.Context(), cfg, slog.Default(), specifier, code, w)
	},
}

// run evaluates the main module, if the default export is a function
// the result of calling it is written.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, specifier string, code []byte, w io.Writer) error {
	vm, closeVM, err := newVM(cfg, logger)
	if err != nil {
		return err
	}
	defer closeVM()

	if cfg.JS.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.JS.Timeout)
		defer cancel()
	}

	ns, err := vm.RunMain(ctx, specifier, code)
	if err != nil {
		return err
	}

	value := ns.Get("default")
	if fn, ok := sobek.AssertFunction(value); ok {
		err = vm.Run(ctx, func() (err error) {
			value, err = fn(sobek.Undefined())
			return
		})
		if err != nil {
			return err
		}
	}
	if value == nil || sobek.IsUndefined(value) {
		return nil
	}

	result, err := js.Unwrap(value)
	if err != nil {
		return err
	}
	bytes, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(bytes, '\n'))
	return err
}

func init() {
	runCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write to file instead of stdout")
	runCmd.Flags().DurationVarP(&timeoutArg, "timeout", "t", config.DefaultTimeout, "timeout of the evaluation")
	rootCmd.AddCommand(runCmd)
}
