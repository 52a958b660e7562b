package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/hay-kot/drupalctl/internal/core/validate"
	"github.com/hay-kot/drupalctl/internal/printer"
)

type VarCmd struct {
	flags  *Flags
	asJSON bool
}

// NewVarCmd creates a new var command.
func NewVarCmd(flags *Flags) *VarCmd {
	return &VarCmd{flags: flags}
}

// Register adds the var command to the application.
func (cmd *VarCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "var",
		Usage: "Read and write site variables",
		Description: `Variable commands call the system resource of the configured backend.

Values are JSON. A variable that does not exist reads as null.`,
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Print a variable as JSON",
				UsageText: "drupalctl var get NAME",
				Action:    cmd.runGet,
			},
			{
				Name:      "set",
				Usage:     "Set a variable",
				UsageText: "drupalctl var set [--json] NAME [VALUE]",
				Description: `Sets NAME to VALUE. The value is sent as a string unless --json is given,
in which case it is parsed as JSON first.

When VALUE is omitted it is read from stdin.

Examples:
  drupalctl var set site_name "Acme"
  drupalctl var set --json cron_safe_threshold 10800
  echo '{"enabled":true}' | drupalctl var set --json site_settings`,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "json",
						Usage:       "parse the value as JSON",
						Destination: &cmd.asJSON,
					},
				},
				Action: cmd.runSet,
			},
			{
				Name:      "del",
				Aliases:   []string{"rm"},
				Usage:     "Delete a variable",
				UsageText: "drupalctl var del NAME",
				Action:    cmd.runDel,
			},
		},
	})

	return app
}

func variableName(c *cli.Command) (string, error) {
	name := c.Args().First()
	if err := validate.VariableName(name); err != nil {
		return "", err
	}
	return name, nil
}

func (cmd *VarCmd) runGet(ctx context.Context, c *cli.Command) error {
	name, err := variableName(c)
	if err != nil {
		return err
	}

	svc, err := cmd.flags.SystemService()
	if err != nil {
		return err
	}

	value, err := svc.GetVariable(ctx, name)
	if err != nil {
		return err
	}

	return writeRawJSON(c.Root().Writer, value)
}

func (cmd *VarCmd) runSet(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)

	name, err := variableName(c)
	if err != nil {
		return err
	}

	raw, err := cmd.readValue(c)
	if err != nil {
		return err
	}

	value, err := parseValue(raw, cmd.asJSON)
	if err != nil {
		return err
	}

	svc, err := cmd.flags.SystemService()
	if err != nil {
		return err
	}

	if err := svc.SetVariable(ctx, name, value); err != nil {
		return err
	}

	p.Successf("Set %s", name)
	return nil
}

// readValue returns the value argument, or stdin when it is omitted.
func (cmd *VarCmd) readValue(c *cli.Command) (string, error) {
	if c.NArg() >= 2 {
		return c.Args().Get(1), nil
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("no value provided (stdin is a terminal); pass VALUE or pipe it in")
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// parseValue returns raw as a string, or as decoded JSON when asJSON is set.
func parseValue(raw string, asJSON bool) (any, error) {
	if !asJSON {
		return raw, nil
	}

	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("value is not valid JSON: %q", raw)
	}
	return json.RawMessage(raw), nil
}

func (cmd *VarCmd) runDel(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)

	name, err := variableName(c)
	if err != nil {
		return err
	}

	svc, err := cmd.flags.SystemService()
	if err != nil {
		return err
	}

	if err := svc.DelVariable(ctx, name); err != nil {
		return err
	}

	p.Successf("Deleted %s", name)
	return nil
}
