package xenserver

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/hashicorp/go-multierror"
	"github.com/talaha3/maaspower/internal/device"
	"github.com/talaha3/maaspower/internal/strutil"
)

var templateFuncs = template.FuncMap{
	"shellEscape": strutil.ShellEscape,
}

// resolveCommands renders the three command templates once. Only fields that are set
// are visible to the templates, so referencing an empty uuid fails here rather than
// producing a command with a blank argument.
func resolveCommands(cfg Config) (Commands, error) {
	data := make(map[string]string, 2)
	if cfg.UUID != "" {
		data["UUID"] = cfg.UUID
	}
	if cfg.Name != "" {
		data["Name"] = cfg.Name
	}

	var errs *multierror.Error
	resolve := func(field, text string) string {
		cmd, err := renderCommand(field, text, data)
		if err != nil {
			errs = device.AppendError(errs, err)
		}
		return cmd
	}

	commands := Commands{
		On:    resolve("on", withDefault(cfg.On, DefaultOnCommand)),
		Off:   resolve("off", withDefault(cfg.Off, DefaultOffCommand)),
		Query: resolve("query", withDefault(cfg.Query, DefaultQueryCommand)),
	}
	if err := errs.ErrorOrNil(); err != nil {
		return Commands{}, err
	}
	return commands, nil
}

// renderCommand executes text as a template when it contains an action and returns
// any other text unchanged.
func renderCommand(field, text string, data map[string]string) (string, error) {
	if !strings.Contains(text, "{{") {
		if strings.TrimSpace(text) == "" {
			return "", errors.New(field + ": command is empty")
		}
		return text, nil
	}

	tmpl, err := template.New(field).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("%s: parse template: %w", field, err)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%s: template references a value that is not set: %w", field, err)
	}

	cmd := strings.TrimSpace(buf.String())
	if cmd == "" {
		return "", errors.New(field + ": command is empty")
	}
	return cmd, nil
}
