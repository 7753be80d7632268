package providers

import (
	"fmt"
	"path"

	"github.com/FlexiInc/sirpi-gcp/pkg/sandbox"
	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
)

// Credential names the GCP driver requires before any phase runs.
const (
	CredGCPServiceAccount = "GOOGLE_CREDENTIALS"
	CredGCPProject        = "GOOGLE_PROJECT"
)

// terraformDir is the artifact subdirectory holding the generated
// Terraform configuration.
const terraformDir = "terraform"

// GCPConfig configures the GCP driver.
type GCPConfig struct {
	// TemplateImage is the sandbox image with docker, terraform and the
	// gcloud CLI installed.
	TemplateImage string `yaml:"template_image"`

	// Region is the default deployment region.
	Region string `yaml:"region"`

	// ArtifactRepo is the Artifact Registry repository application images
	// are tagged into, e.g. "europe-west1-docker.pkg.dev/acme/apps".
	ArtifactRepo string `yaml:"artifact_repo"`
}

// GCPDriver deploys to Google Cloud: the build phase produces the
// application image from the generated Dockerfile, the remaining phases
// drive the generated Terraform configuration.
type GCPDriver struct {
	config GCPConfig
}

// NewGCPDriver creates the GCP driver.
func NewGCPDriver(cfg GCPConfig) (*GCPDriver, error) {
	if cfg.TemplateImage == "" {
		return nil, fmt.Errorf("template image is required")
	}
	if cfg.ArtifactRepo == "" {
		return nil, fmt.Errorf("artifact repo is required")
	}
	return &GCPDriver{config: cfg}, nil
}

func (d *GCPDriver) Name() string {
	return "gcp"
}

func (d *GCPDriver) TemplateImage() string {
	return d.config.TemplateImage
}

func (d *GCPDriver) RequiredCredentials() []string {
	return []string{CredGCPServiceAccount, CredGCPProject}
}

// Commands maps a phase to its sandbox command sequence.
func (d *GCPDriver) Commands(phase stores.Phase, workDir string) ([]sandbox.Command, error) {
	env := []string{
		"TF_IN_AUTOMATION=1",
		"TF_INPUT=0",
		"GOOGLE_REGION=" + d.config.Region,
	}

	switch phase {
	case stores.PhaseBuild:
		tag := path.Join(d.config.ArtifactRepo, "app") + ":latest"
		return []sandbox.Command{
			{Argv: []string{"docker", "build", "--tag", tag, "."}, Dir: workDir, Env: env},
		}, nil

	case stores.PhasePlan:
		return []sandbox.Command{
			d.terraform(workDir, env, "init", "-input=false", "-no-color"),
			d.terraform(workDir, env, "plan", "-input=false", "-no-color", "-out=tfplan"),
		}, nil

	case stores.PhaseApply:
		return []sandbox.Command{
			d.terraform(workDir, env, "init", "-input=false", "-no-color"),
			d.terraform(workDir, env, "apply", "-input=false", "-no-color", "-auto-approve"),
		}, nil

	case stores.PhaseDestroy:
		return []sandbox.Command{
			d.terraform(workDir, env, "init", "-input=false", "-no-color"),
			d.terraform(workDir, env, "destroy", "-input=false", "-no-color", "-auto-approve"),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported phase %q", phase)
	}
}

// terraform builds one terraform invocation rooted at the artifact's
// terraform directory.
func (d *GCPDriver) terraform(workDir string, env []string, args ...string) sandbox.Command {
	argv := append([]string{"terraform", "-chdir=" + terraformDir}, args...)
	return sandbox.Command{Argv: argv, Dir: workDir, Env: env}
}
