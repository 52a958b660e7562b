package commands

import (
	"context"
	"errors"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/hay-kot/drupalctl/internal/core/connection"
	"github.com/hay-kot/drupalctl/internal/printer"
)

type SessionCmd struct {
	flags  *Flags
	asJSON bool
}

// NewSessionCmd creates a new session command.
func NewSessionCmd(flags *Flags) *SessionCmd {
	return &SessionCmd{flags: flags}
}

// Register adds the session command to the application.
func (cmd *SessionCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "session",
		Usage: "Inspect or discard the held session",
		Description: `Session commands work on the locally held connection only and never
contact the backend.`,
		Commands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Display the held session",
				UsageText: "drupalctl session show [--json]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "json",
						Usage:       "output the stored connection as JSON",
						Destination: &cmd.asJSON,
					},
				},
				Action: cmd.runShow,
			},
			{
				Name:      "clear",
				Usage:     "Discard the held session without logging out",
				UsageText: "drupalctl session clear",
				Action:    cmd.runClear,
			},
		},
	})

	return app
}

// SessionInfo is the JSON output of session show.
type SessionInfo struct {
	Connection    connection.Connection `json:"connection"`
	EstablishedAt *time.Time            `json:"established_at,omitempty"`
	Expired       bool                  `json:"expired"`
}

func (cmd *SessionCmd) runShow(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)

	conn, err := cmd.flags.Sessions.Load(ctx)
	if errors.Is(err, connection.ErrNoConnection) {
		if cmd.asJSON {
			return writeJSON(c.Root().Writer, nil)
		}
		p.Infof("No session held")
		return nil
	}
	if err != nil {
		return err
	}

	info := SessionInfo{
		Connection: conn,
		Expired:    cmd.flags.Sessions.IsExpired(conn),
	}
	if at := conn.EstablishedAt(); !at.IsZero() {
		info.EstablishedAt = &at
	}

	if cmd.asJSON {
		return writeJSON(c.Root().Writer, info)
	}

	p.Section("Session")
	p.KeyValue("user", describeUser(&conn))
	p.KeyValue("name", conn.SessionName)
	p.KeyValue("id", conn.SessionID)
	if conn.Token != "" {
		p.KeyValue("token", "present")
	} else {
		p.KeyValue("token", "none")
	}
	if info.EstablishedAt != nil {
		p.KeyValue("established", info.EstablishedAt.Local().Format(time.RFC1123))
	}
	if info.Expired {
		p.Warnf("Session has expired and will be discarded on the next connect")
	}
	return nil
}

func (cmd *SessionCmd) runClear(ctx context.Context, _ *cli.Command) error {
	p := printer.Ctx(ctx)

	if err := cmd.flags.Sessions.Clear(ctx); err != nil {
		return err
	}

	p.Successf("Session cleared")
	return nil
}
