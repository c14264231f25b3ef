package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/shiroyk/esmgraph/lib/config"
	"github.com/shiroyk/esmgraph/modules"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	graphFormat string
	graphAll    bool
)

var graphCmd = &cobra.Command{
	Use:   "graph <module>",
	Short: "load and link the main module without evaluating it, print the module graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := graph(cmd.Context(), config.FromContext(cmd.Context()), slog.Default(), args[0], graphAll)
		if err != nil {
			return err
		}
		return writeGraph(cmd.OutOrStdout(), graphFormat, infos)
	},
}

type (
	graphModule struct {
		ID        int            `yaml:"id"`
		Specifier string         `yaml:"specifier"`
		Type      string         `yaml:"type"`
		Status    string         `yaml:"status"`
		Main      bool           `yaml:"main,omitempty"`
		TLA       bool           `yaml:"tla,omitempty"`
		SourceMap string         `yaml:"source_map,omitempty"`
		Requests  []graphRequest `yaml:"requests,omitempty"`
	}

	graphRequest struct {
		Specifier string `yaml:"specifier"`
		Raw       string `yaml:"raw"`
		Type      string `yaml:"type,omitempty"`
		Phase     string `yaml:"phase"`
	}
)

// graph loads the main module and returns the registered modules ordered by id,
// the "ext:" modules of the runtime are omitted unless all.
func graph(ctx context.Context, cfg *config.Config, logger *slog.Logger, specifier string, all bool) ([]modules.ModuleInfo, error) {
	vm, closeVM, err := newVM(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer closeVM()

	err = vm.Run(ctx, func() error {
		_, err := vm.Modules().LoadMain(ctx, specifier, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	infos := vm.Modules().Graph()
	if !all {
		infos = slices.DeleteFunc(infos, func(info modules.ModuleInfo) bool {
			return strings.HasPrefix(info.Specifier, "ext:")
		})
	}
	slices.SortFunc(infos, func(a, b modules.ModuleInfo) int { return int(a.ID) - int(b.ID) })
	return infos, nil
}

func writeGraph(w io.Writer, format string, infos []modules.ModuleInfo) error {
	switch format {
	case "yaml":
		graph := make([]graphModule, 0, len(infos))
		for _, info := range infos {
			m := graphModule{
				ID:        int(info.ID),
				Specifier: info.Specifier,
				Type:      info.Type.String(),
				Status:    info.Status.String(),
				Main:      info.Main,
				TLA:       info.HasTLA,
				SourceMap: info.SourceMapURL,
			}
			for _, req := range info.Requests {
				r := graphRequest{
					Specifier: req.Reference.Specifier,
					Raw:       req.Raw,
					Phase:     req.Phase.String(),
				}
				if req.Reference.RequestedType != modules.RequestedNone {
					r.Type = req.Reference.RequestedType.String()
				}
				m.Requests = append(m.Requests, r)
			}
			graph = append(graph, m)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(graph); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tSPECIFIER\tTYPE\tSTATUS\tMAIN\tTLA")
		for _, info := range infos {
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%t\n",
				info.ID, info.Specifier, info.Type, info.Status, info.Main, info.HasTLA)
			for _, req := range info.Requests {
				_, _ = fmt.Fprintf(tw, "\t  -> %s\t%s\t%s\t\t\n", req.Reference, req.Phase, req.Raw)
			}
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown graph format %q", format)
	}
}

func init() {
	graphCmd.Flags().StringVarP(&graphFormat, "format", "f", "text", "output format: text, yaml")
	graphCmd.Flags().BoolVarP(&graphAll, "all", "a", false, "include the runtime \"ext:\" modules")
	rootCmd.AddCommand(graphCmd)
}
