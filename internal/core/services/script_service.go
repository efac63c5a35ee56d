package services

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk description of groups, job templates and scripts.
type Catalog struct {
	Groups       []domain.Group          `yaml:"groups"`
	JobTemplates []domain.DRMJobTemplate `yaml:"job_templates"`
	Scripts      []CatalogScript         `yaml:"scripts"`
}

type CatalogScript struct {
	Name            string             `yaml:"name"`
	Command         string             `yaml:"command"`
	Job             string             `yaml:"job"`
	MaxClockTime    string             `yaml:"max_clock_time"`
	IsArray         bool               `yaml:"is_array"`
	BeginIndex      *int               `yaml:"begin_index"`
	EndIndex        *int               `yaml:"end_index"`
	StepIndex       *int               `yaml:"step_index"`
	Groups          []string           `yaml:"groups"`
	IsOutputVisible bool               `yaml:"is_output_visible"`
	Params          []domain.Parameter `yaml:"params"`
}

type scriptService struct {
	scripts ports.ScriptRepository
	users   ports.UserRepository
	logger  *logger.Logger
}

func NewScriptService(scripts ports.ScriptRepository, users ports.UserRepository, log *logger.Logger) ports.ScriptService {
	return &scriptService{scripts: scripts, users: users, logger: log}
}

func (s *scriptService) List(ctx context.Context, caller ports.Caller) ([]domain.Script, error) {
	all, err := s.scripts.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]domain.Script, 0, len(all))
	for i := range all {
		if canRunScript(&all[i], caller) {
			visible = append(visible, all[i])
		}
	}
	return visible, nil
}

func (s *scriptService) Get(ctx context.Context, name string, caller ports.Caller) (*domain.Script, error) {
	script, err := s.scripts.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrScriptNotFound
		}
		return nil, err
	}
	if !canRunScript(script, caller) {
		return nil, ErrScriptNotFound
	}
	if !caller.IsAdmin() {
		script.Params = publicParams(script.Params)
	}
	return script, nil
}

// publicParams drops the private entries callers cannot set anyway.
func publicParams(params []domain.Parameter) []domain.Parameter {
	out := make([]domain.Parameter, 0, len(params))
	for _, p := range params {
		if !p.Private {
			out = append(out, p)
		}
	}
	return out
}

func (s *scriptService) Delete(ctx context.Context, name string) error {
	if err := s.scripts.Delete(ctx, name); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return ErrScriptNotFound
		}
		return err
	}
	return nil
}

// Import loads a YAML catalog and upserts its content. It returns the number
// of scripts written.
func (s *scriptService) Import(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCatalogRead, err)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrScriptInvalidInput, err)
	}
	return s.apply(ctx, &catalog)
}

func (s *scriptService) apply(ctx context.Context, catalog *Catalog) (int, error) {
	groups := make(map[string]domain.Group)
	for i := range catalog.Groups {
		g := catalog.Groups[i]
		if err := s.users.SaveGroup(ctx, &g); err != nil {
			return 0, err
		}
		groups[g.Name] = g
	}

	templates := make(map[string]*domain.DRMJobTemplate)
	for i := range catalog.JobTemplates {
		tmpl := catalog.JobTemplates[i]
		tmpl.Normalize()
		if err := s.scripts.SaveJobTemplate(ctx, &tmpl); err != nil {
			return 0, err
		}
		templates[tmpl.Name] = &tmpl
	}

	written := 0
	for _, cs := range catalog.Scripts {
		script, err := s.buildScript(ctx, cs, groups, templates)
		if err != nil {
			return written, err
		}
		if err := s.scripts.Save(ctx, script); err != nil {
			return written, err
		}
		s.logger.Infow("script_import_ok", "script", script.Name, "params", len(script.Params))
		written++
	}
	return written, nil
}

func (s *scriptService) buildScript(ctx context.Context, cs CatalogScript, groups map[string]domain.Group, templates map[string]*domain.DRMJobTemplate) (*domain.Script, error) {
	if cs.Name == "" || cs.Command == "" {
		return nil, fmt.Errorf("%w: script needs a name and a command", ErrScriptInvalidInput)
	}
	script := &domain.Script{
		Name:            cs.Name,
		Command:         cs.Command,
		MaxClockTime:    cs.MaxClockTime,
		IsArray:         cs.IsArray,
		BeginIndex:      cs.BeginIndex,
		EndIndex:        cs.EndIndex,
		StepIndex:       cs.StepIndex,
		IsOutputVisible: cs.IsOutputVisible,
		Params:          cs.Params,
	}
	if script.MaxClockTime == "" {
		script.MaxClockTime = domain.DefaultMaxClockTime
	}

	if cs.Job != "" {
		tmpl, ok := templates[cs.Job]
		if !ok {
			var err error
			if tmpl, err = s.scripts.GetJobTemplate(ctx, cs.Job); err != nil {
				return nil, fmt.Errorf("%w: %s: unknown job template %s", ErrScriptInvalidInput, cs.Name, cs.Job)
			}
		}
		script.JobTemplate = tmpl
		script.JobTemplateID = &tmpl.ID
	}

	for _, name := range cs.Groups {
		g, ok := groups[name]
		if !ok {
			found, err := s.users.GetGroup(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: unknown group %s", ErrScriptInvalidInput, cs.Name, name)
			}
			g = *found
		}
		script.Groups = append(script.Groups, g)
	}

	seen := make(map[string]struct{}, len(script.Params))
	for i := range script.Params {
		if _, dup := seen[script.Params[i].Name]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate parameter %s", ErrScriptInvalidInput, cs.Name, script.Params[i].Name)
		}
		seen[script.Params[i].Name] = struct{}{}
	}
	if err := script.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrScriptInvalidInput, cs.Name, err)
	}
	return script, nil
}
