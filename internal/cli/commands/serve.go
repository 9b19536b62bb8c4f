package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapcube/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the compiler over HTTP",
		Long: `Start an HTTP server exposing the compiler:

  POST /v1/sql        compile a query (or an array of queries)
  POST /v1/preaggs    describe rollup tables
  GET  /v1/meta       list cubes, views and members
  GET  /v1/join-path  show the join tree for ?cubes=a,b

Requests under /v1 are rate limited per client address.`,
		Example: `  leapcube serve --addr :4000
  leapcube serve --watch --rate-limit 20 --burst 40`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			c, err := cc.Compiler()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(server.Config{
				Addr:        cc.Cfg.Server.Addr,
				ReadTimeout: cc.Cfg.Server.ReadTimeout,
				RateLimit: server.RateLimitConfig{
					RequestsPerSecond: cc.Cfg.Server.RateLimit,
					Burst:             cc.Cfg.Server.Burst,
				},
				ModelPath: cc.Cfg.ModelPath,
				Watch:     watch,
				Options:   cc.CompilerOptions(),
				Logger:    cc.Logger,
			}, c)
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (default :4000)")
	cmd.Flags().Float64("rate-limit", 0, "Requests per second per client (0 disables)")
	cmd.Flags().Int("burst", 0, "Burst size per client")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload the model when its files change")
	return cmd
}
