package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/hay-kot/drupalctl/internal/core/connection"
	"github.com/hay-kot/drupalctl/internal/core/validate"
	"github.com/hay-kot/drupalctl/internal/printer"
	"github.com/hay-kot/drupalctl/internal/styles"
)

type LoginCmd struct {
	flags    *Flags
	username string
	password string
}

// NewLoginCmd creates the login, logout and token commands.
func NewLoginCmd(flags *Flags) *LoginCmd {
	return &LoginCmd{flags: flags}
}

// Register adds the login, logout and token commands to the application.
func (cmd *LoginCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands,
		&cli.Command{
			Name:      "login",
			Usage:     "Log in and store the authenticated session",
			UsageText: "drupalctl login [--username NAME] [--password PASS]",
			Description: `Posts credentials to user/login, stores the returned session and fetches
a CSRF token for it.

Missing credentials are prompted for when stdin is a terminal.`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:        "username",
					Aliases:     []string{"u"},
					Usage:       "account name",
					Sources:     cli.EnvVars("DRUPALCTL_USERNAME"),
					Destination: &cmd.username,
				},
				&cli.StringFlag{
					Name:        "password",
					Aliases:     []string{"p"},
					Usage:       "account password",
					Sources:     cli.EnvVars("DRUPALCTL_PASSWORD"),
					Destination: &cmd.password,
				},
			},
			Action: cmd.runLogin,
		},
		&cli.Command{
			Name:      "logout",
			Usage:     "End the backend session and clear it locally",
			UsageText: "drupalctl logout",
			Action:    cmd.runLogout,
		},
		&cli.Command{
			Name:        "token",
			Usage:       "Print a CSRF token issued by the user resource",
			UsageText:   "drupalctl token",
			Description: "Posts to user/token and prints the token. The held session is not modified.",
			Action:      cmd.runToken,
		},
	)

	return app
}

func (cmd *LoginCmd) runLogin(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)

	if err := cmd.promptCredentials(); err != nil {
		return err
	}
	if err := validate.Username(cmd.username); err != nil {
		return err
	}

	svc, err := cmd.flags.UserService()
	if err != nil {
		return err
	}

	conn, err := svc.Login(ctx, cmd.username, cmd.password)
	if err != nil {
		return err
	}

	p.Successf("Logged in as %s", describeUser(conn))
	return nil
}

// promptCredentials asks for missing credentials when stdin is a terminal.
func (cmd *LoginCmd) promptCredentials() error {
	if cmd.username != "" && cmd.password != "" {
		return nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("username and password are required (stdin is not a terminal); use --username and --password")
	}

	var fields []huh.Field
	if cmd.username == "" {
		fields = append(fields, huh.NewInput().
			Title("Username").
			Value(&cmd.username).
			Validate(validate.Username))
	}
	if cmd.password == "" {
		fields = append(fields, huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&cmd.password).
			Validate(required("password")))
	}

	_, _ = fmt.Fprintln(os.Stderr, styles.Header("Log in to", cmd.flags.Config.BaseURL))

	form := huh.NewForm(huh.NewGroup(fields...)).WithTheme(styles.FormTheme())
	if err := form.Run(); err != nil {
		return fmt.Errorf("prompt credentials: %w", err)
	}
	return nil
}

func required(name string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func (cmd *LoginCmd) runLogout(ctx context.Context, _ *cli.Command) error {
	p := printer.Ctx(ctx)

	if _, err := cmd.flags.Sessions.Load(ctx); errors.Is(err, connection.ErrNoConnection) {
		p.Infof("No session held")
		return nil
	}

	svc, err := cmd.flags.UserService()
	if err != nil {
		return err
	}

	if err := svc.Logout(ctx); err != nil {
		return err
	}

	p.Successf("Logged out")
	return nil
}

func (cmd *LoginCmd) runToken(ctx context.Context, c *cli.Command) error {
	svc, err := cmd.flags.UserService()
	if err != nil {
		return err
	}

	token, err := svc.Token(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(c.Root().Writer, token)
	return err
}
