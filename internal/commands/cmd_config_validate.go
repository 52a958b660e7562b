package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/hay-kot/criterio"
	"github.com/urfave/cli/v3"

	"github.com/hay-kot/drupalctl/internal/core/config"
	"github.com/hay-kot/drupalctl/internal/printer"
)

type ConfigValidateCmd struct {
	flags  *Flags
	format string
	strict bool
}

// NewConfigValidateCmd creates a new config validate command.
func NewConfigValidateCmd(flags *Flags) *ConfigValidateCmd {
	return &ConfigValidateCmd{flags: flags}
}

// Register adds the config validate command to the application.
func (cmd *ConfigValidateCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "config",
		Usage: "Configuration management commands",
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Validate configuration and show the resolved settings",
				UsageText: "drupalctl config validate [options]",
				Description: `Validates the configuration file after flags and environment are applied,
then reports where requests go and where the session is kept.

With --strict, warnings fail the command as well.`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "format",
						Usage:       "output format (text, json)",
						Value:       "text",
						Destination: &cmd.format,
					},
					&cli.BoolFlag{
						Name:        "strict",
						Usage:       "treat warnings as errors",
						Destination: &cmd.strict,
					},
				},
				Action: cmd.run,
			},
		},
	})

	return app
}

// ResolvedConfig is the effective configuration after overrides.
type ResolvedConfig struct {
	ConfigPath     string `json:"config_path,omitempty"`
	BaseURL        string `json:"base_url"`
	ServiceURL     string `json:"service_url,omitempty"`
	TokenURL       string `json:"token_url,omitempty"`
	SessionBackend string `json:"session_backend"`
	SessionFile    string `json:"session_file,omitempty"`
	RedisAddr      string `json:"redis_addr,omitempty"`
	RedisKey       string `json:"redis_key,omitempty"`
	Lifetime       string `json:"session_lifetime"`
	Timeout        string `json:"http_timeout"`
	Retries        int    `json:"http_retries"`
}

// ValidationReport is the json output of config validate.
type ValidationReport struct {
	Valid    bool                       `json:"valid"`
	Resolved ResolvedConfig             `json:"resolved"`
	Errors   []ValidationError          `json:"errors,omitempty"`
	Warnings []config.ValidationWarning `json:"warnings,omitempty"`
}

// ValidationError is a single field failure.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (cmd *ConfigValidateCmd) run(ctx context.Context, c *cli.Command) error {
	if cmd.flags.Config == nil {
		return fmt.Errorf("configuration not loaded")
	}

	report := buildReport(cmd.flags.Config, cmd.flags.ConfigPath)
	failed := !report.Valid || (cmd.strict && len(report.Warnings) > 0)

	if cmd.format == "json" {
		if err := writeJSON(c.Root().Writer, report); err != nil {
			return err
		}
	} else {
		cmd.printReport(printer.Ctx(ctx), report)
	}

	if failed {
		return cli.Exit("", 1)
	}
	return nil
}

func buildReport(cfg *config.Config, configPath string) ValidationReport {
	resolved := ResolvedConfig{
		ConfigPath:     configPath,
		BaseURL:        cfg.BaseURL,
		SessionBackend: cfg.Session.Backend,
		Lifetime:       cfg.Session.Lifetime.String(),
		Timeout:        cfg.HTTP.Timeout.String(),
		Retries:        cfg.HTTP.Retries,
	}

	if cfg.BaseURL != "" {
		if u, err := url.Parse(cfg.BaseURL); err == nil {
			resolved.ServiceURL = u.JoinPath(cfg.Endpoint).String()
			resolved.TokenURL = u.JoinPath(cfg.TokenPath).String()
		}
	}

	switch cfg.Session.Backend {
	case config.BackendRedis:
		resolved.RedisAddr = cfg.Session.Redis.Addr
		resolved.RedisKey = cfg.Session.Redis.Key
	default:
		resolved.SessionFile = cfg.SessionFile()
	}

	err := cfg.ValidateDeep(configPath)
	report := ValidationReport{
		Valid:    err == nil,
		Resolved: resolved,
		Warnings: cfg.Warnings(),
	}
	for _, fe := range fieldErrors(err) {
		report.Errors = append(report.Errors, ValidationError{Field: fe.Field, Message: fe.Err.Error()})
	}
	return report
}

// fieldErrors unwraps err into field errors, wrapping a plain error as one
// without a field.
func fieldErrors(err error) criterio.FieldErrors {
	if err == nil {
		return nil
	}
	var fieldErrs criterio.FieldErrors
	if errors.As(err, &fieldErrs) {
		return fieldErrs
	}
	return criterio.FieldErrors{{Err: err}}
}

func (cmd *ConfigValidateCmd) printReport(p *printer.Printer, r ValidationReport) {
	p.Section("Resolved")
	if r.Resolved.ConfigPath != "" {
		p.KeyValue("Config", r.Resolved.ConfigPath)
	}
	p.KeyValue("Base URL", orUnset(r.Resolved.BaseURL))
	if r.Resolved.ServiceURL != "" {
		p.KeyValue("Services", r.Resolved.ServiceURL)
		p.KeyValue("Token", r.Resolved.TokenURL)
	}
	switch r.Resolved.SessionBackend {
	case config.BackendRedis:
		p.KeyValue("Session", fmt.Sprintf("redis %s key %s", r.Resolved.RedisAddr, r.Resolved.RedisKey))
	default:
		p.KeyValue("Session", r.Resolved.SessionFile)
	}
	p.KeyValue("Lifetime", r.Resolved.Lifetime)
	p.KeyValue("Timeout", fmt.Sprintf("%s, %d retries", r.Resolved.Timeout, r.Resolved.Retries))

	if len(r.Errors) > 0 {
		p.Printf("")
		p.Section("Errors")
		for _, e := range r.Errors {
			label := e.Field
			if label == "" {
				label = "config"
			}
			p.FailItem(label, e.Message)
		}
	}

	if len(r.Warnings) > 0 {
		p.Printf("")
		p.Section("Warnings")
		for _, w := range r.Warnings {
			label := w.Category
			if w.Item != "" {
				label = w.Item
			}
			p.WarnItem(label, w.Message)
		}
	}

	p.Printf("")
	switch {
	case !r.Valid:
		p.Errorf("%d error(s), %d warning(s)", len(r.Errors), len(r.Warnings))
	case cmd.strict && len(r.Warnings) > 0:
		p.Errorf("%d warning(s) with --strict", len(r.Warnings))
	case len(r.Warnings) > 0:
		p.Successf("Configuration is valid (%d warning(s))", len(r.Warnings))
	default:
		p.Successf("Configuration is valid")
	}
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}
