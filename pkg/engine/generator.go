package engine

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
)

// Artifacts is one generated infrastructure bundle for a project.
type Artifacts struct {
	// Dockerfile builds the application image.
	Dockerfile string

	// Terraform is the infrastructure configuration, staged under the
	// terraform/ directory of the sandbox workdir.
	Terraform string
}

// Validate rejects empty bundles before they are versioned.
func (a *Artifacts) Validate() error {
	if a.Dockerfile == "" {
		return fmt.Errorf("generated dockerfile is empty")
	}
	if a.Terraform == "" {
		return fmt.Errorf("generated terraform configuration is empty")
	}
	return nil
}

// Generator produces infrastructure artifacts for a project. The default
// implementation renders built-in templates; deployments with an external
// generation service plug in their own.
type Generator interface {
	Generate(ctx context.Context, project *stores.Project) (*Artifacts, error)
}

// TemplateGenerator renders artifacts from Go templates. Template data is
// the project record.
type TemplateGenerator struct {
	dockerfile *template.Template
	terraform  *template.Template
}

// NewTemplateGenerator parses the given templates.
func NewTemplateGenerator(dockerfile, terraform string) (*TemplateGenerator, error) {
	dt, err := template.New("dockerfile").Parse(dockerfile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dockerfile template: %w", err)
	}
	tt, err := template.New("terraform").Parse(terraform)
	if err != nil {
		return nil, fmt.Errorf("failed to parse terraform template: %w", err)
	}
	return &TemplateGenerator{dockerfile: dt, terraform: tt}, nil
}

// Generate renders both templates against the project.
func (g *TemplateGenerator) Generate(_ context.Context, project *stores.Project) (*Artifacts, error) {
	var dockerfile, terraform bytes.Buffer
	if err := g.dockerfile.Execute(&dockerfile, project); err != nil {
		return nil, fmt.Errorf("failed to render dockerfile: %w", err)
	}
	if err := g.terraform.Execute(&terraform, project); err != nil {
		return nil, fmt.Errorf("failed to render terraform configuration: %w", err)
	}

	artifacts := &Artifacts{
		Dockerfile: dockerfile.String(),
		Terraform:  terraform.String(),
	}
	if err := artifacts.Validate(); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// DefaultDockerfileTemplate is a minimal multi-stage build for services
// cloned from the project repository.
const DefaultDockerfileTemplate = `FROM golang:1.25 AS build
WORKDIR /src
RUN git clone {{.RepoURL}} .
RUN CGO_ENABLED=0 go build -o /out/app ./...

FROM gcr.io/distroless/static-debian12
COPY --from=build /out/app /app
ENTRYPOINT ["/app"]
`

// DefaultTerraformTemplate provisions a Cloud Run service for the built
// image.
const DefaultTerraformTemplate = `terraform {
  required_providers {
    google = {
      source = "hashicorp/google"
    }
  }
}

variable "project" {
  type = string
}

resource "google_cloud_run_v2_service" "app" {
  name     = "{{.Name}}"
  location = "{{.Region}}"
  project  = var.project

  template {
    containers {
      image = "{{.Name}}:latest"
    }
  }
}
`
