// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package command expands and runs the supervisor's external command
// templates (failover, failback, follow-primary) per spec.md §4.9.
package command

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// TemplateVars are the node metadata fields substitutable into a command
// template, per spec.md §4.9's grammar.
type TemplateVars struct {
	FailedID      int
	FailedHost    string
	FailedPort    int
	FailedDataDir string

	NewMainID      int
	NewMainHost    string
	NewMainPort    int
	NewMainDataDir string

	OldMainID int

	OldPrimaryID   int
	OldPrimaryHost string
	OldPrimaryPort int
}

// Expand substitutes the `%`-escaped template grammar of spec.md §4.9:
//
//	%d failed id     %h failed host     %p failed port     %D failed data dir
//	%m new-main id   %H new-main host   %r new-main port   %R new-main data dir
//	%M old-main id   %P old-primary id  %N old-primary host %S old-primary port
//	%% literal percent
//
// Empty or unresolved fields (sentinel id < 0) substitute "". An unknown
// `%x` escape drops the character and is reported to log (spec.md §7:
// configuration error → character ignored, logged), via the supplied
// logger.
func Expand(tmpl string, v TemplateVars, log zerolog.Logger) string {
	var b strings.Builder
	runes := []rune(tmpl)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '%' || i == len(runes)-1 {
			b.WriteRune(runes[i])
			continue
		}
		i++
		switch runes[i] {
		case 'd':
			b.WriteString(intOrEmpty(v.FailedID))
		case 'h':
			b.WriteString(v.FailedHost)
		case 'p':
			b.WriteString(intOrEmpty(v.FailedPort))
		case 'D':
			b.WriteString(v.FailedDataDir)
		case 'm':
			b.WriteString(intOrEmpty(v.NewMainID))
		case 'H':
			b.WriteString(v.NewMainHost)
		case 'r':
			b.WriteString(intOrEmpty(v.NewMainPort))
		case 'R':
			b.WriteString(v.NewMainDataDir)
		case 'M':
			b.WriteString(intOrEmpty(v.OldMainID))
		case 'P':
			b.WriteString(intOrEmpty(v.OldPrimaryID))
		case 'N':
			b.WriteString(v.OldPrimaryHost)
		case 'S':
			b.WriteString(intOrEmpty(v.OldPrimaryPort))
		case '%':
			b.WriteByte('%')
		default:
			log.Warn().Str("escape", "%"+string(runes[i])).Msg("command: unknown template escape, dropping")
		}
	}
	return b.String()
}

// intOrEmpty renders a node/port id, substituting "" for the "not
// applicable" sentinel (-1), per spec.md §4.9: "Empty or unresolved
// fields substitute \"\"".
func intOrEmpty(id int) string {
	if id < 0 {
		return ""
	}
	return strconv.Itoa(id)
}

// Run invokes shell via /bin/sh -c. The return value is propagated to the
// caller but not interpreted for retry (spec.md §4.9).
func Run(ctx context.Context, shell string) error {
	if strings.TrimSpace(shell) == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", shell)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command: exec failed: %w", err)
	}
	return nil
}
