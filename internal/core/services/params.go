package services

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
)

// MaxParamValueLength bounds every non-file value supplied by a caller.
const MaxParamValueLength = 5000

// ParamInput is the caller supplied part of a creation request.
type ParamInput struct {
	Values map[string]string
	Files  map[string][]ports.Upload
}

func (in ParamInput) has(name string) bool {
	if _, ok := in.Values[name]; ok {
		return true
	}
	_, ok := in.Files[name]
	return ok
}

// ResolvedParams holds the values bound for one task.
type ResolvedParams struct {
	Bound []domain.TaskParameter
	// Renamed maps stored upload names to the names the caller sent.
	Renamed map[string]string
	// Written lists the upload paths created while resolving.
	Written []string
}

type ParamResolver struct {
	files  *FileManager
	logger *logger.Logger
}

func NewParamResolver(files *FileManager, log *logger.Logger) *ParamResolver {
	return &ParamResolver{files: files, logger: log}
}

// Resolve binds the caller input against the script schema. Uploads land in
// workDir. On error every upload written so far has already been removed.
// The rename mapping is left for the caller to record once the task is kept.
func (r *ParamResolver) Resolve(task *domain.Task, schema []domain.Parameter, in ParamInput, workDir string) (*ResolvedParams, error) {
	res := &ResolvedParams{Renamed: make(map[string]string)}

	for i := range schema {
		p := &schema[i]
		switch {
		case p.Private:
			res.bind(task, p, p.Default)

		case in.has(p.Name):
			var (
				value string
				err   error
			)
			if p.Type == domain.ParamTypeFile {
				value, err = r.storeFiles(p, in.Files[p.Name], workDir, res)
			} else {
				value, err = validateValue(p, in.Values[p.Name])
			}
			if err != nil {
				r.files.RemoveFiles(res.Written)
				return nil, err
			}
			res.bind(task, p, value)

		case p.Required:
			r.files.RemoveFiles(res.Written)
			return nil, fmt.Errorf("%w: %s must be specified for %s", ErrTaskMissingParam, p.Name, task.ScriptName)
		}
	}

	return res, nil
}

func (res *ResolvedParams) bind(task *domain.Task, p *domain.Parameter, value string) {
	res.Bound = append(res.Bound, domain.TaskParameter{
		TaskID:      task.ID,
		ParameterID: p.ID,
		Parameter:   p,
		Value:       value,
	})
}

func (r *ParamResolver) storeFiles(p *domain.Parameter, uploads []ports.Upload, dir string, res *ResolvedParams) (string, error) {
	var present []ports.Upload
	for _, up := range uploads {
		if up.Filename != "" && up.Open != nil {
			present = append(present, up)
		}
	}
	if len(present) == 0 {
		return "", fmt.Errorf("%w: %s", ErrParamFileMissing, p.Name)
	}

	names := make([]string, 0, len(present))
	for idx, up := range present {
		ext, err := FileExtension(p.Name, up.Filename)
		if err != nil {
			return "", err
		}
		name := fmt.Sprintf("%s.%s", p.Name, ext)
		if len(present) > 1 {
			name = fmt.Sprintf("%s_%d.%s", p.Name, idx, ext)
		}
		path, err := r.files.SaveUpload(dir, name, up)
		if path != "" {
			res.Written = append(res.Written, path)
		}
		if err != nil {
			r.logger.Errorw("params_upload_failed", "param", p.Name, "file", up.Filename, "error", err)
			return "", fmt.Errorf("%w: %s", ErrParamInvalidValue, p.Name)
		}
		if _, seen := res.Renamed[name]; !seen {
			res.Renamed[name] = up.Filename
		}
		names = append(names, name)
	}
	return strings.Join(names, ","), nil
}

// FileExtension returns everything after the first dot of the base name. A
// trailing dot yields an empty extension.
func FileExtension(param, filename string) (string, error) {
	base := filepath.Base(filepath.FromSlash(filename))
	i := strings.Index(base, ".")
	if i < 0 {
		return "", fmt.Errorf("%w: %s", ErrParamFileNoExt, param)
	}
	return base[i+1:], nil
}

func validateValue(p *domain.Parameter, value string) (string, error) {
	if utf8.RuneCountInString(value) > MaxParamValueLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrParamTooLong, p.Name, MaxParamValueLength)
	}
	switch p.Type {
	case domain.ParamTypeInt:
		if _, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err != nil {
			return "", fmt.Errorf("%w: %s expects an integer", ErrParamInvalidValue, p.Name)
		}
	case domain.ParamTypeFloat:
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			return "", fmt.Errorf("%w: %s expects a number", ErrParamInvalidValue, p.Name)
		}
	case domain.ParamTypeBool:
		b, ok := parseBool(value)
		if !ok {
			return "", fmt.Errorf("%w: %s expects a boolean", ErrParamInvalidValue, p.Name)
		}
		return strconv.FormatBool(b), nil
	}
	return value, nil
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on", "y", "t":
		return true, true
	case "false", "0", "no", "off", "n", "f":
		return false, true
	}
	return false, false
}

// FormatTaskParams turns bound parameters into the argument vector handed to
// the script. Unflagged values come first, the rest are ordered by flag.
func FormatTaskParams(params []domain.TaskParameter) []string {
	sorted := make([]domain.TaskParameter, len(params))
	copy(sorted, params)
	sort.SliceStable(sorted, func(i, j int) bool {
		return flagOf(sorted[i]) < flagOf(sorted[j])
	})

	args := make([]string, 0, len(sorted)*2)
	for _, tp := range sorted {
		p := tp.Parameter
		if p == nil {
			continue
		}
		if p.Type == domain.ParamTypeBool {
			on, _ := parseBool(tp.Value)
			if !on {
				continue
			}
			if p.Flag != "" {
				args = append(args, p.Flag)
			} else {
				args = append(args, tp.Value)
			}
			continue
		}
		if p.Flag == "" {
			args = append(args, tp.Value)
			continue
		}
		value := formatValue(tp.Value, p.Type)
		if strings.HasSuffix(p.Flag, "=") {
			args = append(args, p.Flag+value)
		} else {
			args = append(args, p.Flag, value)
		}
	}
	return args
}

func flagOf(tp domain.TaskParameter) string {
	if tp.Parameter == nil {
		return ""
	}
	return tp.Parameter.Flag
}

func formatValue(value string, t domain.ParamType) string {
	if t == domain.ParamTypeString {
		value = strings.ReplaceAll(value, "'", "''")
	}
	return strings.TrimSpace(value)
}
