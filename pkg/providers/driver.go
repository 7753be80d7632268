// Package providers defines the cloud provider drivers that translate
// deployment phases into concrete sandbox commands, and the registry the
// engine resolves them from.
package providers

import (
	"github.com/FlexiInc/sirpi-gcp/pkg/sandbox"
	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
)

// Driver adapts one cloud provider. It decides which template image a
// sandbox boots from, which credentials must be present, and which
// commands implement each phase.
type Driver interface {
	// Name is the registry key, e.g. "gcp".
	Name() string

	// TemplateImage is the sandbox image carrying the provider toolchain.
	TemplateImage() string

	// RequiredCredentials lists the credential names that must be
	// resolvable before a phase may start.
	RequiredCredentials() []string

	// Commands returns the command sequence for a phase, relative to the
	// sandbox workdir. Commands run in order; the first non-zero exit
	// fails the phase.
	Commands(phase stores.Phase, workDir string) ([]sandbox.Command, error)
}
