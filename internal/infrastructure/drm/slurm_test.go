package drm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	out string
	err error
}

type fakeRunner struct {
	mu        sync.Mutex
	commands  []string
	uploads   map[string]string
	responses map[string][]response
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{uploads: map[string]string{}, responses: map[string][]response{}}
}

// on queues a response for the first command starting with prefix. The last
// queued response is repeated.
func (f *fakeRunner) on(prefix, out string, err error) {
	f.responses[prefix] = append(f.responses[prefix], response{out: out, err: err})
}

func (f *fakeRunner) Run(_ context.Context, cmd string, _ io.Reader) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	for prefix, queue := range f.responses {
		if !strings.HasPrefix(cmd, prefix) {
			continue
		}
		r := queue[0]
		if len(queue) > 1 {
			f.responses[prefix] = queue[1:]
		}
		return r.out, r.err
	}
	return "", nil
}

func (f *fakeRunner) Upload(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[path] = string(data)
	return nil
}

func newAdapter(r Runner) *SlurmAdapter {
	return NewSlurmAdapter(SlurmConfig{Runner: r, Logger: logger.NewNop(), PollInterval: 5 * time.Millisecond})
}

func TestRenderBatchScript(t *testing.T) {
	req := ports.SubmitRequest{
		Template: &domain.DRMJobTemplate{
			Queue: "short", CPUsPerTask: 4, NTasks: 2, MemPerNode: "8G", MemPerCPU: "1G",
		},
		TaskName:       "fold",
		ScriptDir:      "/opt/scripts",
		OutDir:         "/data/out",
		Command:        "fold.sh",
		Args:           []string{"--count=5", "it's"},
		WorkingDir:     "abc",
		Dependencies:   []string{"11", "12"},
		DependencyType: domain.DependencyAfterOK,
		ClockTimeLimit: "168:00",
		Array:          &ports.ArrayBounds{Begin: 1, End: 10, Step: 2},
		Account:        "alice",
		StdoutFile:     "abcdefgh_out.txt",
		StderrFile:     "abcdefgh_err.txt",
	}

	script := RenderBatchScript(req)

	assert.True(t, strings.HasPrefix(script, "#!/bin/bash\n"))
	for _, line := range []string{
		"#SBATCH --job-name=fold",
		"#SBATCH --chdir=/data/out/abc",
		"#SBATCH --output=/data/out/abc/abcdefgh_out.txt",
		"#SBATCH --error=/data/out/abc/abcdefgh_err.txt",
		"#SBATCH --time=168:00",
		"#SBATCH --partition=short",
		"#SBATCH --cpus-per-task=4",
		"#SBATCH --ntasks=2",
		"#SBATCH --mem=8G",
		"#SBATCH --account=alice",
		"#SBATCH --array=1-10:2",
		"#SBATCH --dependency=afterok:11:12",
		`'/opt/scripts/fold.sh' '--count=5' 'it'\''s'`,
	} {
		assert.Contains(t, script, line+"\n")
	}
	assert.NotContains(t, script, "--mem-per-cpu")
}

func TestRenderBatchScript_Minimal(t *testing.T) {
	script := RenderBatchScript(ports.SubmitRequest{
		TaskName: "t", OutDir: "/out", WorkingDir: "w", Command: "/bin/true",
		StdoutFile: "o", StderrFile: "e",
	})

	assert.NotContains(t, script, "--dependency")
	assert.NotContains(t, script, "--array")
	assert.NotContains(t, script, "--account")
	assert.True(t, strings.HasSuffix(script, "'/bin/true'\n"))
}

func TestSubmit(t *testing.T) {
	r := newFakeRunner()
	r.on("sbatch", "4242;cluster\n", nil)
	a := newAdapter(r)

	handle, name, err := a.Submit(context.Background(), ports.SubmitRequest{
		TaskName: "job", OutDir: "/out", WorkingDir: "w", Command: "/bin/true", JobKey: "key",
	})

	require.NoError(t, err)
	assert.Equal(t, "4242", handle)
	assert.Equal(t, "job", name)
	assert.Contains(t, r.uploads, "/out/w/key.sbatch")
	assert.Equal(t, "sbatch --parsable '/out/w/key.sbatch'", r.commands[0])
}

func TestSubmit_EmptyOutputMeansNoHandle(t *testing.T) {
	r := newFakeRunner()
	r.on("sbatch", "  \n", nil)

	handle, _, err := newAdapter(r).Submit(context.Background(), ports.SubmitRequest{JobKey: "k"})

	require.NoError(t, err)
	assert.Empty(t, handle)
}

func TestSubmit_Failure(t *testing.T) {
	r := newFakeRunner()
	r.on("sbatch", "", errors.New("sbatch: error: invalid partition"))

	_, _, err := newAdapter(r).Submit(context.Background(), ports.SubmitRequest{JobKey: "k"})

	assert.ErrorIs(t, err, ports.ErrDRMSubmit)
}

func TestQueryStatus_FromQueue(t *testing.T) {
	cases := map[string]domain.TaskStatus{
		"PENDING|Priority":       domain.TaskStatusQueuedActive,
		"PENDING|JobHeldUser":    domain.TaskStatusUserOnHold,
		"PENDING|JobHeldAdmin":   domain.TaskStatusSystemOnHold,
		"RUNNING|None":           domain.TaskStatusRunning,
		"COMPLETING|None":        domain.TaskStatusRunning,
		"SUSPENDED|None":         domain.TaskStatusSystemSuspended,
		"STOPPED|None":           domain.TaskStatusUserSuspended,
		"PENDING|None\nRUNNING|": domain.TaskStatusRunning,
	}
	for out, want := range cases {
		r := newFakeRunner()
		r.on("squeue", out, nil)

		got, err := newAdapter(r).QueryStatus(context.Background(), "7")

		require.NoError(t, err)
		assert.Equal(t, want, got, out)
	}
}

func TestQueryStatus_FallsBackToAccounting(t *testing.T) {
	cases := map[string]domain.TaskStatus{
		"COMPLETED|0:0":             domain.TaskStatusDone,
		"FAILED|1:0":                domain.TaskStatusFailed,
		"CANCELLED by 1000|0:15":    domain.TaskStatusFailed,
		"TIMEOUT|0:0":               domain.TaskStatusFailed,
		"OUT_OF_MEMORY|0:125":       domain.TaskStatusFailed,
		"COMPLETED|0:0\nFAILED|2:0": domain.TaskStatusFailed,
		"SOMETHING_NEW|0:0":         domain.TaskStatusUndetermined,
	}
	for out, want := range cases {
		r := newFakeRunner()
		r.on("squeue", "", errors.New("slurm_load_jobs error: Invalid job id specified"))
		r.on("sacct", out, nil)

		got, err := newAdapter(r).QueryStatus(context.Background(), "7")

		require.NoError(t, err)
		assert.Equal(t, want, got, out)
	}
}

func TestQueryStatus_RejectsMalformedHandle(t *testing.T) {
	r := newFakeRunner()

	_, err := newAdapter(r).QueryStatus(context.Background(), "7; rm -rf /")

	assert.Error(t, err)
	assert.Empty(t, r.commands)
}

func TestTerminate_IgnoresFinishedJobs(t *testing.T) {
	r := newFakeRunner()
	r.on("scancel", "", errors.New("scancel: error: Kill job error on job id 7: Invalid job id specified"))

	assert.NoError(t, newAdapter(r).Terminate(context.Background(), "7"))
}

func TestTerminate_PropagatesOtherErrors(t *testing.T) {
	r := newFakeRunner()
	r.on("scancel", "", errors.New("scancel: error: Access/permission denied"))

	assert.Error(t, newAdapter(r).Terminate(context.Background(), "7"))
}

func TestWait_ReturnsExitInfo(t *testing.T) {
	r := newFakeRunner()
	r.on("squeue", "RUNNING|None", nil)
	r.on("squeue", "", nil)
	r.on("sacct", "FAILED|3:0", nil)

	info, err := newAdapter(r).Wait(context.Background(), "7", time.Second)

	require.NoError(t, err)
	assert.Equal(t, domain.JobInfo{HasExited: true, WasAborted: false, ExitStatus: 3}, info)
}

func TestWait_Cancelled(t *testing.T) {
	r := newFakeRunner()
	r.on("squeue", "", nil)
	r.on("sacct", "CANCELLED by 0|0:15", nil)

	info, err := newAdapter(r).Wait(context.Background(), "7", time.Second)

	require.NoError(t, err)
	assert.True(t, info.WasAborted)
	assert.False(t, info.HasExited)
}

func TestWait_Timeout(t *testing.T) {
	r := newFakeRunner()
	r.on("squeue", "RUNNING|None", nil)

	info, err := newAdapter(r).Wait(context.Background(), "7", 20*time.Millisecond)

	assert.ErrorIs(t, err, ports.ErrDRMTimeout)
	assert.Equal(t, domain.DefaultJobInfo(), info)
}

func TestSubmit_StageDir(t *testing.T) {
	r := newFakeRunner()
	r.on("sbatch", "9", nil)
	a := NewSlurmAdapter(SlurmConfig{Runner: r, Logger: logger.NewNop(), StageDir: "/home/drm/jobs"})

	_, _, err := a.Submit(context.Background(), ports.SubmitRequest{OutDir: "/out", WorkingDir: "w", JobKey: "abc"})

	require.NoError(t, err)
	assert.Contains(t, r.uploads, "/home/drm/jobs/abc.sbatch")
}
