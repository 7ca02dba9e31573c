package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/logger"
)

const codingOutputLimit = 64000

// skipDirs are never copied into the scratch workspace.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	"venv":         true,
	"state":        true,
}

// CodingAdapter shells out to an external coding CLI. The task runs against
// a scratch copy of the workspace and the resulting git diff is returned as
// a proposal, so a misbehaving run never mutates the real workspace.
type CodingAdapter struct {
	binary    string
	workspace string
}

func NewCodingAdapter(binary, workspace string) *CodingAdapter {
	return &CodingAdapter{binary: binary, workspace: workspace}
}

func (a *CodingAdapter) Name() string { return "coding" }

func (a *CodingAdapter) Execute(ctx context.Context, task bus.Task, _ Context) *Result {
	if strings.TrimSpace(task.Description) == "" {
		return FailureResult(FailureInput, "coding task requires a description")
	}

	binPath, err := exec.LookPath(a.binary)
	if err != nil {
		return FailureResult(FailureUnavailable, fmt.Sprintf("coding CLI %q not found in PATH", a.binary))
	}

	workspace := task.Workspace
	if workspace == "" {
		workspace = a.workspace
	}

	scratch, err := os.MkdirTemp("", "companion-coding-")
	if err != nil {
		return FailureResult(FailureInternal, fmt.Sprintf("create scratch workspace: %v", err))
	}
	defer os.RemoveAll(scratch)

	if workspace != "" {
		if err := copyTree(workspace, scratch, task.Files); err != nil {
			return FailureResult(FailureInternal, fmt.Sprintf("clone workspace: %v", err))
		}
	}

	instructions := filepath.Join(scratch, "instructions.txt")
	if err := os.WriteFile(instructions, []byte(task.Description), 0o644); err != nil {
		return FailureResult(FailureInternal, fmt.Sprintf("write instructions: %v", err))
	}

	// Baseline commit so the proposal diff covers everything the CLI touched.
	gitBaseline(ctx, scratch)

	start := time.Now()
	output, runErr := a.runCLI(ctx, binPath, scratch)
	duration := time.Since(start)

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded || errors.Is(runErr, context.DeadlineExceeded) {
			logger.WarnCF("capability", "Coding CLI killed on deadline", map[string]any{
				"binary":      a.binary,
				"duration_ms": duration.Milliseconds(),
			})
			res := TimeoutResult("coding task exceeded its deadline; process terminated")
			res.Duration = duration
			return res
		}
		res := FailureResult(FailureInternal, fmt.Sprintf("coding CLI failed: %v\n%s", runErr, tail(output, 2000)))
		res.Duration = duration
		return res
	}

	proposal := gitDiff(ctx, scratch)
	payload := output
	if proposal != "" {
		payload = payload + "\n\nProposed changes:\n" + proposal
	} else {
		payload = payload + "\n\nNo changes were proposed."
	}

	res := SuccessResult(strings.TrimSpace(payload))
	res.Duration = duration
	return res
}

// runCLI starts the coding CLI in its own process group and kills the whole
// group on context cancellation, so helper processes spawned by the CLI are
// not orphaned.
func (a *CodingAdapter) runCLI(ctx context.Context, binPath, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, binPath, "run", "--instructions", "instructions.txt")
	cmd.Dir = dir
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	var buf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &buf, limit: codingOutputLimit}
	cmd.Stderr = cmd.Stdout

	err := cmd.Run()
	return buf.String(), err
}

func gitBaseline(ctx context.Context, dir string) {
	for _, args := range [][]string{
		{"init"},
		{"add", "."},
		{"commit", "-m", "baseline", "--no-gpg-sign"},
	} {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		_ = cmd.Run()
	}
}

func gitDiff(ctx context.Context, dir string) string {
	cmd := exec.CommandContext(ctx, "git", "diff", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func copyTree(src, dst string, only []string) error {
	srcInfo, err := os.Stat(src)
	if err != nil || !srcInfo.IsDir() {
		if err != nil {
			return fmt.Errorf("stat workspace: %w", err)
		}
		return fmt.Errorf("workspace %s is not a directory", src)
	}

	wanted := map[string]bool{}
	for _, f := range only {
		wanted[filepath.Clean(f)] = true
	}

	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if len(wanted) > 0 && !wanted[filepath.Clean(rel)] {
			return nil
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// limitedWriter keeps the last limit bytes written.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.w.Write(p)
	if lw.limit > 0 && lw.w.Len() > lw.limit {
		trimmed := lw.w.Bytes()[lw.w.Len()-lw.limit:]
		rest := make([]byte, len(trimmed))
		copy(rest, trimmed)
		lw.w.Reset()
		lw.w.Write(rest)
	}
	return len(p), nil
}
