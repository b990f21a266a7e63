package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"pipelined.dev/engine"
	"pipelined.dev/engine/block"
	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/config"
	"pipelined.dev/engine/log"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
)

type compileOptions struct {
	*rootOptions
	dump bool
	diff string
}

func newCompileCommand(root *rootOptions) *cobra.Command {
	opts := &compileOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Print program compiled from the graph",
		Long: `Compile the graph of configuration into the program of the root realm
and print its listing. Plugins aren't started, their nodes are compiled
as regular processors.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.dump, "dump", false, "dump program structure")
	cmd.Flags().StringVar(&opts.diff, "diff", "", "configuration file to diff the program with")
	return cmd
}

func (o *compileOptions) run(ctx context.Context, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, _, err := o.load()
	if err != nil {
		return err
	}
	p, err := compileConfig(ctx, cfg)
	if err != nil {
		return err
	}
	if o.diff != "" {
		other, err := config.Load(o.diff)
		if err != nil {
			return err
		}
		q, err := compileConfig(ctx, other)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, engine.Diff(p, q))
		return err
	}
	fp := p.Fingerprint()
	fmt.Fprintf(w, "; fingerprint %s\n", hex.EncodeToString(fp[:]))
	if o.dump {
		cs := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableMethods: true, MaxDepth: 3}
		_, err = cs.Fprint(w, p.Ops)
		return err
	}
	_, err = io.WriteString(w, p.String())
	return err
}

// compileConfig builds the graph in a detached realm and returns its
// program.
func compileConfig(ctx context.Context, cfg config.Config) (p *engine.Program, err error) {
	options := append(cfg.RealmOptions(),
		engine.WithID("root"),
		engine.WithLogger(log.Discard()),
		engine.WithPlugins(func(string, nodedesc.Node) (processor.Kernel, error) {
			return idle{}, nil
		}),
	)
	r := engine.New(options...)
	if err := r.Setup(ctx); err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, r.Cleanup(ctx))
	}()
	if err := cfg.Graph.Build(ctx, r); err != nil {
		return nil, err
	}
	return r.Program()
}

// idle is a kernel of plugin nodes in compiled-only realms.
type idle struct{}

func (idle) Setup(context.Context) error                           { return nil }
func (idle) Cleanup(context.Context) error                         { return nil }
func (idle) ConnectPort(*block.Context, int, *buffer.Buffer) error { return nil }
func (idle) Process(*block.Context, block.TimeMapper) error        { return nil }
