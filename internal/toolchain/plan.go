package toolchain

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Step is one external command. Dir is relative to the application root.
type Step struct {
	Name    string            `yaml:"name"`
	Command []string          `yaml:"command"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

type Assets struct {
	Dir   string `yaml:"dir"`
	Steps []Step `yaml:"steps"`
}

// Plan lists the commands run during dependency installation and first
// initialization.
type Plan struct {
	Dependencies []Step `yaml:"dependencies"`
	Migrate      []Step `yaml:"migrate"`
	Assets       Assets `yaml:"assets"`
	BestEffort   []Step `yaml:"best_effort"`
}

func DefaultPlan(frontendDir string) Plan {
	if frontendDir == "" {
		frontendDir = "frontend"
	}
	return Plan{
		Dependencies: []Step{{
			Name:    "composer-install",
			Command: []string{"composer", "install", "--no-dev", "--no-scripts", "--no-interaction", "--prefer-dist", "--optimize-autoloader"},
			Env:     map[string]string{"COMPOSER_ALLOW_SUPERUSER": "1"},
		}},
		Migrate: []Step{{
			Name:    "migrate",
			Command: []string{"php", "artisan", "migrate", "--force"},
		}},
		Assets: Assets{
			Dir: frontendDir,
			Steps: []Step{
				{Name: "npm-ci", Command: []string{"npm", "ci"}},
				{Name: "npm-build", Command: []string{"npm", "run", "build"}},
			},
		},
		BestEffort: []Step{{
			Name:    "optimize-clear",
			Command: []string{"php", "artisan", "optimize:clear"},
		}},
	}
}

// ParsePlan overlays input on the default plan. A section present in input
// replaces the default section entirely.
func ParsePlan(input []byte, frontendDir string) (Plan, error) {
	plan := DefaultPlan(frontendDir)
	if err := yaml.Unmarshal(input, &plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func LoadPlan(path, frontendDir string) (Plan, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPlan(frontendDir), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data, frontendDir)
}

func (p Plan) Validate() error {
	sections := []struct {
		name  string
		steps []Step
	}{
		{"dependencies", p.Dependencies},
		{"migrate", p.Migrate},
		{"assets.steps", p.Assets.Steps},
		{"best_effort", p.BestEffort},
	}
	for _, s := range sections {
		for i, step := range s.steps {
			if len(step.Command) == 0 || strings.TrimSpace(step.Command[0]) == "" {
				return fmt.Errorf("%s[%d].command must be non-empty", s.name, i)
			}
			if step.Timeout < 0 {
				return fmt.Errorf("%s[%d].timeout must be >= 0", s.name, i)
			}
			if strings.HasPrefix(step.Dir, "/") || strings.Contains(step.Dir, "..") {
				return fmt.Errorf("%s[%d].dir must be relative to the application root", s.name, i)
			}
		}
	}
	if len(p.Assets.Steps) > 0 && strings.TrimSpace(p.Assets.Dir) == "" {
		return errors.New("assets.dir is required when assets.steps are set")
	}
	return nil
}

func (s Step) label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Command[0]
}
