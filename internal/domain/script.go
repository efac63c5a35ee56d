package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxClockTime = "7 days"

type ParamType string

const (
	ParamTypeInt    ParamType = "int"
	ParamTypeFloat  ParamType = "float"
	ParamTypeString ParamType = "string"
	ParamTypeBool   ParamType = "bool"
	ParamTypeFile   ParamType = "file"
)

func (t ParamType) Valid() bool {
	switch t {
	case ParamTypeInt, ParamTypeFloat, ParamTypeString, ParamTypeBool, ParamTypeFile:
		return true
	}
	return false
}

// ReservedParamNames are request fields consumed by task creation itself.
var ReservedParamNames = map[string]struct{}{
	"task_name":        {},
	"task_description": {},
	"parent_task":      {},
	"dependencies":     {},
	"dependency_type":  {},
}

var (
	ErrParamPrivateRequired = errors.New("parameter: private and required are mutually exclusive")
	ErrParamReservedName    = errors.New("parameter: name is reserved")
	ErrParamUnknownType     = errors.New("parameter: unknown type")
	ErrParamEmptyName       = errors.New("parameter: name is required")
	ErrScriptInvalidArray   = errors.New("script: array indices must be >= 1")
	ErrScriptInvalidClock   = errors.New("script: invalid max clock time")
)

// DRMJobTemplate describes the resources a script runs with.
type DRMJobTemplate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name        string `gorm:"size:50;uniqueIndex;not null" json:"name" yaml:"name"`
	Queue       string `gorm:"size:20" json:"queue" yaml:"queue"`
	CPUsPerTask int    `gorm:"default:1" json:"cpus_per_task" yaml:"cpus_per_task"`
	NTasks      int    `gorm:"default:1" json:"n_tasks" yaml:"n_tasks"`
	MemPerNode  string `gorm:"size:20" json:"mem_per_node,omitempty" yaml:"mem_per_node"`
	MemPerCPU   string `gorm:"size:20" json:"mem_per_cpu,omitempty" yaml:"mem_per_cpu"`
}

func (j *DRMJobTemplate) Normalize() {
	if j.CPUsPerTask < 1 {
		j.CPUsPerTask = 1
	}
	if j.CPUsPerTask > 64 {
		j.CPUsPerTask = 64
	}
	if j.NTasks < 1 {
		j.NTasks = 1
	}
}

type Script struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name            string          `gorm:"size:100;uniqueIndex;not null" json:"name"`
	Command         string          `gorm:"size:500;not null" json:"command"`
	JobTemplateID   *uint           `json:"-"`
	JobTemplate     *DRMJobTemplate `gorm:"constraint:OnDelete:SET NULL" json:"job,omitempty"`
	MaxClockTime    string          `gorm:"size:100;not null;default:'7 days'" json:"max_clock_time"`
	IsArray         bool            `gorm:"default:false" json:"is_array"`
	BeginIndex      *int            `json:"begin_index,omitempty"`
	EndIndex        *int            `json:"end_index,omitempty"`
	StepIndex       *int            `json:"step_index,omitempty"`
	Groups          []Group         `gorm:"many2many:script_groups;" json:"-"`
	IsOutputVisible bool            `gorm:"default:false" json:"is_output_visible"`
	Params          []Parameter     `gorm:"foreignKey:ScriptID;constraint:OnDelete:CASCADE" json:"param,omitempty"`
}

// AbsoluteCommand reports whether the command is used as-is instead of being
// resolved against the scripts directory.
func (s *Script) AbsoluteCommand() bool {
	return strings.HasPrefix(s.Command, "/")
}

// Restricted reports whether only members of the script's groups may run it.
func (s *Script) Restricted() bool {
	return len(s.Groups) > 0
}

func (s *Script) AllowsGroup(name string) bool {
	for _, g := range s.Groups {
		if g.Name == name {
			return true
		}
	}
	return false
}

// ClockTimeLimit renders MaxClockTime as "HH:MM" with hours unbounded.
func (s *Script) ClockTimeLimit() (string, error) {
	raw := s.MaxClockTime
	if raw == "" {
		raw = DefaultMaxClockTime
	}
	d, err := ParseClockTime(raw)
	if err != nil {
		return "", err
	}
	total := int(d / time.Minute)
	return fmt.Sprintf("%02d:%02d", total/60, total%60), nil
}

func (s *Script) Validate() error {
	if _, err := s.ClockTimeLimit(); err != nil {
		return err
	}
	for _, idx := range []*int{s.BeginIndex, s.EndIndex, s.StepIndex} {
		if idx != nil && *idx < 1 {
			return ErrScriptInvalidArray
		}
	}
	for i := range s.Params {
		if err := s.Params[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

var clockUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// ParseClockTime accepts "HH:MM", "HH:MM:SS", Go durations ("36h") and
// "<n> <unit>" sequences such as "7 days" or "1 day 12 hours".
func ParseClockTime(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return 0, ErrScriptInvalidClock
	}
	if strings.Contains(raw, ":") {
		parts := strings.Split(raw, ":")
		if len(parts) > 3 {
			return 0, fmt.Errorf("%w: %q", ErrScriptInvalidClock, raw)
		}
		var d time.Duration
		units := []time.Duration{time.Hour, time.Minute, time.Second}
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("%w: %q", ErrScriptInvalidClock, raw)
			}
			d += time.Duration(n) * units[i]
		}
		return d, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}

	fields := strings.Fields(strings.ReplaceAll(raw, ",", " "))
	var total time.Duration
	for i := 0; i < len(fields); i++ {
		num, unit := splitNumberUnit(fields[i])
		if unit == "" && i+1 < len(fields) {
			i++
			unit = fields[i]
		}
		n, err := strconv.ParseFloat(num, 64)
		mult, ok := clockUnits[unit]
		if err != nil || !ok || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrScriptInvalidClock, raw)
		}
		total += time.Duration(n * float64(mult))
	}
	if total <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrScriptInvalidClock, raw)
	}
	return total, nil
}

func splitNumberUnit(s string) (string, string) {
	i := 0
	for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	return s[:i], s[i:]
}

// Parameter declares one named input a script accepts.
type Parameter struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	ScriptID    uint      `gorm:"uniqueIndex:param_name;not null" json:"-"`
	Name        string    `gorm:"size:100;uniqueIndex:param_name;not null" json:"name" yaml:"name"`
	Flag        string    `gorm:"size:100" json:"flag,omitempty" yaml:"flag"`
	Type        ParamType `gorm:"size:100;default:'string'" json:"type" yaml:"type"`
	Default     string    `gorm:"size:1000" json:"default,omitempty" yaml:"default"`
	Description string    `gorm:"size:300" json:"description,omitempty" yaml:"description"`
	Private     bool      `gorm:"default:false" json:"private" yaml:"private"`
	Required    bool      `gorm:"not null" json:"required" yaml:"required"`
}

func (p *Parameter) Validate() error {
	if p.Name == "" {
		return ErrParamEmptyName
	}
	if _, ok := ReservedParamNames[p.Name]; ok {
		return fmt.Errorf("%w: %s", ErrParamReservedName, p.Name)
	}
	if p.Type == "" {
		p.Type = ParamTypeString
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: %s", ErrParamUnknownType, p.Type)
	}
	if p.Private && p.Required {
		return fmt.Errorf("%w: %s", ErrParamPrivateRequired, p.Name)
	}
	return nil
}

func (p Parameter) String() string {
	if p.Flag != "" {
		return strings.TrimSpace(fmt.Sprintf("%s %s %s", p.Name, p.Flag, p.Default))
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s", p.Name, p.Default))
}

// TaskParameter binds one schema entry to a value for a task.
type TaskParameter struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	TaskID      uuid.UUID  `gorm:"type:uuid;index;not null" json:"-"`
	ParameterID uint       `gorm:"not null" json:"-"`
	Parameter   *Parameter `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Value       string     `gorm:"type:text" json:"value"`
}
