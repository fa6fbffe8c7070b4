package monitor

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

/**
runs a scheduler command line tool and returns its standard output
*/
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

/**
runs commands as local processes. Prefix is put in front of every command, so that the tools can
be reached on a head node with e.g. ["ssh", "user@headnode"]
*/
type ExecRunner struct {
	Prefix []string
}

func NewExecRunner(prefix string) ExecRunner {
	return ExecRunner{Prefix: strings.Fields(prefix)}
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	argv := make([]string, 0, len(r.Prefix)+len(args)+1)
	argv = append(argv, r.Prefix...)
	argv = append(argv, name)
	argv = append(argv, args...)

	log.Debugf("Running %s", strings.Join(argv, " "))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, isExit := err.(*exec.ExitError); isExit {
			return out, errors.Errorf("%s failed: %s: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, errors.Wrapf(err, "could not run %s", name)
	}
	return out, nil
}
