package dto

import "github.com/drmaatic/backend/internal/domain"

type ParamSchema struct {
	Name        string           `json:"name"`
	Flag        string           `json:"flag,omitempty"`
	Type        domain.ParamType `json:"type"`
	Default     string           `json:"default,omitempty"`
	Description string           `json:"description,omitempty"`
	Required    bool             `json:"required"`
	Private     *bool            `json:"private,omitempty"`
}

type ScriptResponse struct {
	Name  string        `json:"name"`
	Param []ParamSchema `json:"param"`
}

type AdminScriptResponse struct {
	ScriptResponse
	Command         string   `json:"command"`
	Job             string   `json:"job,omitempty"`
	MaxClockTime    string   `json:"max_clock_time"`
	IsArray         bool     `json:"is_array"`
	BeginIndex      *int     `json:"begin_index,omitempty"`
	EndIndex        *int     `json:"end_index,omitempty"`
	StepIndex       *int     `json:"step_index,omitempty"`
	IsOutputVisible bool     `json:"is_output_visible"`
	Groups          []string `json:"groups,omitempty"`
}

// ScriptView hides private parameters and flags from regular callers.
func ScriptView(script *domain.Script, admin bool) interface{} {
	base := ScriptResponse{Name: script.Name, Param: make([]ParamSchema, 0, len(script.Params))}
	for _, p := range script.Params {
		if p.Private && !admin {
			continue
		}
		schema := ParamSchema{
			Name:        p.Name,
			Type:        p.Type,
			Default:     p.Default,
			Description: p.Description,
			Required:    p.Required,
		}
		if admin {
			private := p.Private
			schema.Flag = p.Flag
			schema.Private = &private
		}
		base.Param = append(base.Param, schema)
	}
	if !admin {
		return base
	}

	view := AdminScriptResponse{
		ScriptResponse:  base,
		Command:         script.Command,
		MaxClockTime:    script.MaxClockTime,
		IsArray:         script.IsArray,
		BeginIndex:      script.BeginIndex,
		EndIndex:        script.EndIndex,
		StepIndex:       script.StepIndex,
		IsOutputVisible: script.IsOutputVisible,
	}
	if script.JobTemplate != nil {
		view.Job = script.JobTemplate.Name
	}
	for _, g := range script.Groups {
		view.Groups = append(view.Groups, g.Name)
	}
	return view
}

func ScriptViews(scripts []domain.Script, admin bool) []interface{} {
	out := make([]interface{}, 0, len(scripts))
	for i := range scripts {
		out = append(out, ScriptView(&scripts[i], admin))
	}
	return out
}
