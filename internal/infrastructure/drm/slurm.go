package drm

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
)

const defaultPollInterval = 5 * time.Second

var handlePattern = regexp.MustCompile(`^[0-9]+(_[0-9]+)?$`)

type SlurmConfig struct {
	Runner         Runner
	Logger         *logger.Logger
	PollInterval   time.Duration
	// CommandTimeout bounds every single scheduler call.
	CommandTimeout time.Duration
	// StageDir receives the batch scripts. Empty means the task's working
	// directory.
	StageDir       string
}

// SlurmAdapter drives SLURM through its command line tools.
type SlurmAdapter struct {
	runner         Runner
	logger         *logger.Logger
	pollInterval   time.Duration
	commandTimeout time.Duration
	stageDir       string
}

func NewSlurmAdapter(cfg SlurmConfig) *SlurmAdapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &SlurmAdapter{
		runner:         cfg.Runner,
		logger:         cfg.Logger,
		pollInterval:   cfg.PollInterval,
		commandTimeout: cfg.CommandTimeout,
		stageDir:       cfg.StageDir,
	}
}

func (a *SlurmAdapter) run(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.commandTimeout)
	defer cancel()
	return a.runner.Run(ctx, cmd, nil)
}

// ==================== Submit ====================

func (a *SlurmAdapter) Submit(ctx context.Context, req ports.SubmitRequest) (string, string, error) {
	script := RenderBatchScript(req)
	scriptPath := path.Join(req.OutDir, req.WorkingDir, req.JobKey+".sbatch")
	if a.stageDir != "" {
		scriptPath = path.Join(a.stageDir, req.JobKey+".sbatch")
	}

	if err := a.runner.Upload(ctx, scriptPath, []byte(script)); err != nil {
		return "", "", fmt.Errorf("%w: write batch script: %v", ports.ErrDRMSubmit, err)
	}
	out, err := a.run(ctx, "sbatch --parsable "+shellQuote(scriptPath))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ports.ErrDRMSubmit, err)
	}

	handle := strings.TrimSpace(out)
	if i := strings.IndexByte(handle, ';'); i >= 0 {
		handle = handle[:i]
	}
	if handle == "" {
		a.logger.Warnw("drm_submit_no_handle", "task", req.TaskName, "script", scriptPath)
		return "", req.TaskName, nil
	}
	if !handlePattern.MatchString(handle) {
		return "", "", fmt.Errorf("%w: unexpected sbatch output %q", ports.ErrDRMSubmit, handle)
	}
	a.logger.Infow("drm_submit_ok", "task", req.TaskName, "job", handle)
	return handle, req.TaskName, nil
}

// RenderBatchScript builds the sbatch file for req.
func RenderBatchScript(req ports.SubmitRequest) string {
	workDir := path.Join(req.OutDir, req.WorkingDir)

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	directive := func(format string, args ...interface{}) {
		b.WriteString("#SBATCH ")
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	directive("--job-name=%s", req.TaskName)
	directive("--chdir=%s", workDir)
	directive("--output=%s", path.Join(workDir, req.StdoutFile))
	directive("--error=%s", path.Join(workDir, req.StderrFile))
	if req.ClockTimeLimit != "" {
		directive("--time=%s", req.ClockTimeLimit)
	}
	if t := req.Template; t != nil {
		if t.Queue != "" {
			directive("--partition=%s", t.Queue)
		}
		if t.CPUsPerTask > 0 {
			directive("--cpus-per-task=%d", t.CPUsPerTask)
		}
		if t.NTasks > 0 {
			directive("--ntasks=%d", t.NTasks)
		}
		if t.MemPerNode != "" {
			directive("--mem=%s", t.MemPerNode)
		} else if t.MemPerCPU != "" {
			directive("--mem-per-cpu=%s", t.MemPerCPU)
		}
	}
	if req.Account != "" {
		directive("--account=%s", req.Account)
	}
	if req.Array != nil {
		directive("--array=%d-%d:%d", req.Array.Begin, req.Array.End, req.Array.Step)
		directive("--open-mode=append")
	}
	if len(req.Dependencies) > 0 {
		depType := req.DependencyType
		if depType == "" {
			depType = domain.DependencyAfterAny
		}
		directive("--dependency=%s:%s", depType, strings.Join(req.Dependencies, ":"))
	}

	command := req.Command
	if req.ScriptDir != "" {
		command = path.Join(req.ScriptDir, req.Command)
	}
	b.WriteString("\n")
	b.WriteString(shellQuote(command))
	for _, arg := range req.Args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(arg))
	}
	b.WriteByte('\n')
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ==================== Status ====================

func (a *SlurmAdapter) QueryStatus(ctx context.Context, handle string) (domain.TaskStatus, error) {
	if !handlePattern.MatchString(handle) {
		return domain.TaskStatusUndetermined, fmt.Errorf("drm: invalid job handle %q", handle)
	}

	out, err := a.run(ctx, fmt.Sprintf("squeue -h -j %s -o '%%T|%%r'", handle))
	if err == nil && strings.TrimSpace(out) != "" {
		return aggregateQueue(out), nil
	}

	state, _, err := a.accounting(ctx, handle)
	if err != nil {
		return domain.TaskStatusUndetermined, err
	}
	return mapAccountingState(state), nil
}

// accounting returns the job state and exit code recorded by sacct.
func (a *SlurmAdapter) accounting(ctx context.Context, handle string) (string, string, error) {
	out, err := a.run(ctx, fmt.Sprintf("sacct -n -X -P -j %s -o State,ExitCode", handle))
	if err != nil {
		return "", "", err
	}
	var states, codes []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
		if parts[0] == "" {
			continue
		}
		states = append(states, parts[0])
		if len(parts) == 2 {
			codes = append(codes, parts[1])
		} else {
			codes = append(codes, "")
		}
	}
	if len(states) == 0 {
		return "", "", fmt.Errorf("drm: job %s unknown to accounting", handle)
	}
	// Array jobs report one row per element; the worst one wins.
	worst := 0
	for i, s := range states {
		if statusRank(mapAccountingState(s)) > statusRank(mapAccountingState(states[worst])) {
			worst = i
		}
	}
	return states[worst], codes[worst], nil
}

// statusRank orders states so that active beats finished and failure beats
// success when collapsing array elements.
func statusRank(s domain.TaskStatus) int {
	switch s {
	case domain.TaskStatusDone:
		return 0
	case domain.TaskStatusFailed:
		return 1
	case domain.TaskStatusUndetermined:
		return 2
	case domain.TaskStatusQueuedActive, domain.TaskStatusSystemOnHold, domain.TaskStatusUserOnHold,
		domain.TaskStatusUserSystemOnHold:
		return 3
	default:
		return 4
	}
}

func aggregateQueue(out string) domain.TaskStatus {
	best := domain.TaskStatusUndetermined
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
		reason := ""
		if len(parts) == 2 {
			reason = parts[1]
		}
		s := mapQueueState(parts[0], reason)
		if statusRank(s) > statusRank(best) || best == domain.TaskStatusUndetermined {
			best = s
		}
	}
	return best
}

func mapQueueState(state, reason string) domain.TaskStatus {
	switch strings.ToUpper(state) {
	case "PENDING", "CONFIGURING", "REQUEUED":
		switch reason {
		case "JobHeldUser":
			return domain.TaskStatusUserOnHold
		case "JobHeldAdmin":
			return domain.TaskStatusSystemOnHold
		}
		return domain.TaskStatusQueuedActive
	case "REQUEUE_HOLD", "REQUEUE_FED", "SPECIAL_EXIT":
		return domain.TaskStatusSystemOnHold
	case "RUNNING", "COMPLETING", "RESIZING", "SIGNALING", "STAGE_OUT":
		return domain.TaskStatusRunning
	case "SUSPENDED":
		return domain.TaskStatusSystemSuspended
	case "STOPPED":
		return domain.TaskStatusUserSuspended
	}
	return mapAccountingState(state)
}

func mapAccountingState(state string) domain.TaskStatus {
	// sacct prints "CANCELLED by 1000"
	fields := strings.Fields(strings.ToUpper(state))
	if len(fields) == 0 {
		return domain.TaskStatusUndetermined
	}
	switch strings.TrimSuffix(fields[0], "+") {
	case "COMPLETED":
		return domain.TaskStatusDone
	case "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED", "BOOT_FAIL", "DEADLINE":
		return domain.TaskStatusFailed
	case "PENDING":
		return domain.TaskStatusQueuedActive
	case "RUNNING", "COMPLETING":
		return domain.TaskStatusRunning
	case "SUSPENDED":
		return domain.TaskStatusSystemSuspended
	case "REQUEUED":
		return domain.TaskStatusQueuedActive
	}
	return domain.TaskStatusUndetermined
}

// ==================== Terminate ====================

// Terminate cancels the job. Jobs that already left the queue are ignored.
func (a *SlurmAdapter) Terminate(ctx context.Context, handle string) error {
	if !handlePattern.MatchString(handle) {
		return fmt.Errorf("drm: invalid job handle %q", handle)
	}
	_, err := a.run(ctx, "scancel "+handle)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "invalid job id") || strings.Contains(msg, "already completing") ||
			strings.Contains(msg, "job has finished") {
			return nil
		}
		return err
	}
	a.logger.Infow("drm_terminate_ok", "job", handle)
	return nil
}

// ==================== Wait ====================

func (a *SlurmAdapter) Wait(ctx context.Context, handle string, timeout time.Duration) (domain.JobInfo, error) {
	info := domain.DefaultJobInfo()
	if !handlePattern.MatchString(handle) {
		return info, fmt.Errorf("drm: invalid job handle %q", handle)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		status, err := a.QueryStatus(ctx, handle)
		if err != nil {
			a.logger.Debugw("drm_wait_poll_failed", "job", handle, "error", err)
		}
		if err == nil && (status == domain.TaskStatusDone || status == domain.TaskStatusFailed) {
			state, code, err := a.accounting(ctx, handle)
			if err != nil {
				return info, err
			}
			return jobInfo(state, code), nil
		}

		select {
		case <-ctx.Done():
			return info, fmt.Errorf("%w: job %s", ports.ErrDRMTimeout, handle)
		case <-ticker.C:
		}
	}
}

// jobInfo derives the exit descriptor from sacct's State and "exit:signal"
// ExitCode columns.
func jobInfo(state, exitCode string) domain.JobInfo {
	info := domain.DefaultJobInfo()
	aborted := strings.HasPrefix(strings.ToUpper(state), "CANCELLED")
	parts := strings.SplitN(exitCode, ":", 2)
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		info.WasAborted = aborted
		return info
	}
	signal := 0
	if len(parts) == 2 {
		signal, _ = strconv.Atoi(parts[1])
	}
	info.WasAborted = aborted
	info.HasExited = !aborted && signal == 0
	info.ExitStatus = code
	return info
}
