package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/drupalctl/internal/printer"
)

type ConnectCmd struct {
	flags   *Flags
	refresh bool
}

// NewConnectCmd creates a new connect command.
func NewConnectCmd(flags *Flags) *ConnectCmd {
	return &ConnectCmd{flags: flags}
}

// Register adds the connect command to the application.
func (cmd *ConnectCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "connect",
		Usage:     "Establish or resume a backend session",
		UsageText: "drupalctl connect [--refresh]",
		Description: `Calls system/connect and stores the resulting session.

A CSRF token is fetched first when no session is held, when the held session
already carries a token, or when --refresh is given. Expired sessions are
discarded before connecting.

The connection is written to stdout as JSON.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "refresh",
				Aliases:     []string{"r"},
				Usage:       "always fetch a new CSRF token",
				Destination: &cmd.refresh,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ConnectCmd) run(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)

	svc, err := cmd.flags.SystemService()
	if err != nil {
		return err
	}

	conn, err := svc.Connect(ctx, cmd.refresh)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := writeJSON(c.Root().Writer, conn); err != nil {
		return err
	}

	p.Successf("Connected as %s", describeUser(conn))
	return nil
}
