package services

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bound(p domain.Parameter, value string) domain.TaskParameter {
	return domain.TaskParameter{Parameter: &p, Value: value}
}

func TestFormatTaskParams(t *testing.T) {
	tests := []struct {
		name   string
		params []domain.TaskParameter
		want   []string
	}{
		{
			name: "positional values come first",
			params: []domain.TaskParameter{
				bound(domain.Parameter{Name: "b", Flag: "-b", Type: domain.ParamTypeInt}, "2"),
				bound(domain.Parameter{Name: "pos", Type: domain.ParamTypeString}, "input"),
				bound(domain.Parameter{Name: "a", Flag: "-a", Type: domain.ParamTypeFloat}, " 0.5 "),
			},
			want: []string{"input", "-a", "0.5", "-b", "2"},
		},
		{
			name: "trailing equals joins flag and value",
			params: []domain.TaskParameter{
				bound(domain.Parameter{Name: "count", Flag: "--count=", Type: domain.ParamTypeInt}, "5"),
			},
			want: []string{"--count=5"},
		},
		{
			name: "string quotes are doubled",
			params: []domain.TaskParameter{
				bound(domain.Parameter{Name: "title", Flag: "--title", Type: domain.ParamTypeString}, "it's"),
			},
			want: []string{"--title", "it''s"},
		},
		{
			name: "true bool emits only its flag",
			params: []domain.TaskParameter{
				bound(domain.Parameter{Name: "v", Flag: "-v", Type: domain.ParamTypeBool}, "true"),
				bound(domain.Parameter{Name: "q", Flag: "-q", Type: domain.ParamTypeBool}, "false"),
			},
			want: []string{"-v"},
		},
		{
			name: "unflagged true bool emits its value",
			params: []domain.TaskParameter{
				bound(domain.Parameter{Name: "on", Type: domain.ParamTypeBool}, "true"),
				bound(domain.Parameter{Name: "off", Type: domain.ParamTypeBool}, "false"),
			},
			want: []string{"true"},
		},
		{
			name:   "no parameters",
			params: nil,
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatTaskParams(tt.params))
		})
	}
}

func TestFileExtension(t *testing.T) {
	tests := []struct {
		filename string
		want     string
		wantErr  bool
	}{
		{filename: "reads.fastq.gz", want: "fastq.gz"},
		{filename: "data/in.txt", want: "txt"},
		{filename: `C:\upload\model.pdb`, want: "pdb"},
		{filename: "README", wantErr: true},
		{filename: "trailing.", want: ""},
		{filename: ".bashrc", want: "bashrc"},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, err := FileExtension("input", tt.filename)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrParamFileNoExt)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateValue(t *testing.T) {
	intParam := &domain.Parameter{Name: "n", Type: domain.ParamTypeInt}
	floatParam := &domain.Parameter{Name: "x", Type: domain.ParamTypeFloat}
	boolParam := &domain.Parameter{Name: "b", Type: domain.ParamTypeBool}
	strParam := &domain.Parameter{Name: "s", Type: domain.ParamTypeString}

	v, err := validateValue(intParam, " 42 ")
	require.NoError(t, err)
	assert.Equal(t, " 42 ", v)

	_, err = validateValue(intParam, "4.2")
	assert.ErrorIs(t, err, ErrParamInvalidValue)

	_, err = validateValue(floatParam, "1e-3")
	assert.NoError(t, err)
	_, err = validateValue(floatParam, "abc")
	assert.ErrorIs(t, err, ErrParamInvalidValue)

	for _, in := range []string{"yes", "Y", "on", "1", "TRUE", "t"} {
		v, err = validateValue(boolParam, in)
		require.NoError(t, err, in)
		assert.Equal(t, "true", v, in)
	}
	for _, in := range []string{"no", "off", "0", "False", "f", "n"} {
		v, err = validateValue(boolParam, in)
		require.NoError(t, err, in)
		assert.Equal(t, "false", v, in)
	}
	_, err = validateValue(boolParam, "maybe")
	assert.ErrorIs(t, err, ErrParamInvalidValue)

	_, err = validateValue(strParam, strings.Repeat("a", MaxParamValueLength))
	assert.NoError(t, err)
	_, err = validateValue(strParam, strings.Repeat("a", MaxParamValueLength+1))
	assert.ErrorIs(t, err, ErrParamTooLong)

	// limit counts characters, not bytes
	_, err = validateValue(strParam, strings.Repeat("é", 3000))
	assert.NoError(t, err)
	_, err = validateValue(strParam, strings.Repeat("é", MaxParamValueLength+1))
	assert.ErrorIs(t, err, ErrParamTooLong)
}

func TestParamResolver_MultipleUploads(t *testing.T) {
	dir := t.TempDir()
	files := NewFileManager(FileManagerConfig{OutputDir: dir, Logger: testLogger})
	r := NewParamResolver(files, testLogger)
	task := &domain.Task{ID: uuid.New(), ScriptName: "merge"}
	schema := []domain.Parameter{{Name: "parts", Flag: "--parts", Type: domain.ParamTypeFile, Required: true}}

	res, err := r.Resolve(task, schema, ParamInput{Files: map[string][]ports.Upload{
		"parts": {upload("a.csv", "1"), upload("b.tsv", "2")},
	}}, dir)
	require.NoError(t, err)

	require.Len(t, res.Bound, 1)
	assert.Equal(t, "parts_0.csv,parts_1.tsv", res.Bound[0].Value)
	assert.Equal(t, map[string]string{"parts_0.csv": "a.csv", "parts_1.tsv": "b.tsv"}, res.Renamed)
	assert.Len(t, res.Written, 2)
	assert.FileExists(t, filepath.Join(dir, "parts_1.tsv"))
}

func TestParamResolver_RemovesUploadsOnError(t *testing.T) {
	dir := t.TempDir()
	files := NewFileManager(FileManagerConfig{OutputDir: dir, Logger: testLogger})
	r := NewParamResolver(files, testLogger)
	task := &domain.Task{ID: uuid.New(), ScriptName: "align"}
	schema := []domain.Parameter{
		{Name: "input", Type: domain.ParamTypeFile, Required: true},
		{Name: "mode", Type: domain.ParamTypeString, Required: true},
	}

	_, err := r.Resolve(task, schema, ParamInput{Files: map[string][]ports.Upload{
		"input": {upload("a.txt", "x")},
	}}, dir)
	assert.ErrorIs(t, err, ErrTaskMissingParam)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParamResolver_PrivateUsesDefault(t *testing.T) {
	r := NewParamResolver(NewFileManager(FileManagerConfig{OutputDir: t.TempDir(), Logger: testLogger}), testLogger)
	task := &domain.Task{ID: uuid.New()}
	schema := []domain.Parameter{{Name: "key", Type: domain.ParamTypeString, Default: "server", Private: true}}

	res, err := r.Resolve(task, schema, ParamInput{Values: map[string]string{"key": "client"}}, t.TempDir())
	require.NoError(t, err)
	require.Len(t, res.Bound, 1)
	assert.Equal(t, "server", res.Bound[0].Value)
	assert.Equal(t, task.ID, res.Bound[0].TaskID)
}
