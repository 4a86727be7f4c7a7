// Package probe reproduces the MLflow model version search defect: it
// registers a model and a version, confirms the version with a direct get
// and then checks whether a search filtered on the model name finds it.
package probe

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/skpr/mlflow-search-probe/internal/mlflow"
)

const (
	// DefaultModelName is the registered model the probe creates.
	DefaultModelName = "test-search-bug"

	// LookupVersion is always fetched directly, regardless of what the
	// create call returned.
	LookupVersion = "1"

	// PromptTemplate is stored on the created version.
	PromptTemplate = "Hello {{name}}!"
)

// Registry is the subset of the model registry the probe drives.
type Registry interface {
	CreateRegisteredModel(ctx context.Context, name string, tags map[string]string) (*mlflow.RegisteredModel, error)
	CreateModelVersion(ctx context.Context, name, source string, tags map[string]string) (*mlflow.ModelVersion, error)
	GetModelVersion(ctx context.Context, name, version string) (*mlflow.ModelVersion, error)
	SearchModelVersions(ctx context.Context, filter string) ([]mlflow.ModelVersion, error)
}

// Probe runs the reproduction against a Registry and reports to Out.
type Probe struct {
	Registry  Registry
	ModelName string
	Out       io.Writer
}

// Result summarises a completed run.
type Result struct {
	ModelName     string
	ModelCreated  bool
	LookupVersion string
	SearchCount   int
	BugConfirmed  bool
}

// Source returns the artifact locator recorded on the model version.
func Source(name string) string {
	return "mlflow-artifacts:/" + name
}

// Run executes each step in order and stops at the first error. The only
// recovered failure is the registered model already existing.
func (p *Probe) Run(ctx context.Context) (Result, error) {
	name := p.ModelName
	if name == "" {
		name = DefaultModelName
	}

	result := Result{ModelName: name}
	ctx = tflog.SetField(ctx, "model_name", name)

	_, err := p.Registry.CreateRegisteredModel(ctx, name, map[string]string{
		mlflow.TagIsPrompt: "true",
	})
	switch {
	case err == nil:
		result.ModelCreated = true
		p.printf("Created model: %s\n", name)
	case mlflow.IsAlreadyExists(err):
		tflog.Debug(ctx, "registered model already exists")
		p.printf("Model %s already exists\n", name)
	default:
		return result, err
	}

	created, err := p.Registry.CreateModelVersion(ctx, name, Source(name), map[string]string{
		mlflow.TagPromptText: PromptTemplate,
	})
	if err != nil {
		return result, fmt.Errorf("create model version: %w", err)
	}

	tflog.Debug(ctx, "model version created", map[string]any{
		"version": created.Version,
	})
	p.printf("Created version\n")

	version, err := p.Registry.GetModelVersion(ctx, name, LookupVersion)
	if err != nil {
		return result, fmt.Errorf("get model version %s: %w", LookupVersion, err)
	}

	result.LookupVersion = version.Version
	tflog.Debug(ctx, "model version fetched", map[string]any{
		"version":     version.Version,
		"prompt_text": version.TagMap()[mlflow.TagPromptText],
	})
	p.printf("Direct get works: v%s\n", version.Version)

	p.printf("\nTrying search_model_versions...\n")

	versions, err := p.Registry.SearchModelVersions(ctx, mlflow.FilterByName(name))
	if err != nil {
		return result, fmt.Errorf("search model versions: %w", err)
	}

	result.SearchCount = len(versions)
	p.printf("Search returned: %d versions (expected: >= 1)\n", result.SearchCount)

	if result.SearchCount == 0 {
		result.BugConfirmed = true
		p.printf("\n*** BUG CONFIRMED: search_model_versions returns empty ***\n")
		p.printf("The endpoint returns {} regardless of filter.\n")
	}

	tflog.Info(ctx, "probe finished", map[string]any{
		"search_count":  result.SearchCount,
		"bug_confirmed": result.BugConfirmed,
	})

	return result, nil
}

func (p *Probe) printf(format string, args ...any) {
	if p.Out == nil {
		return
	}
	fmt.Fprintf(p.Out, format, args...)
}
