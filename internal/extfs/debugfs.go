// Package extfs edits individual files inside an unmounted ext2/3/4 image
// by scripting the on-disk debugfs tool over stdin, exactly as
// e2fs.py does: no mount is ever performed.
package extfs

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/asheplyakov/vmbuilder/internal/subprocess"
)

// Editor runs debugfs commands against a single ext2/3/4 image or block
// device path.
type Editor struct {
	Image  string
	Runner *subprocess.Runner
}

// New returns an Editor for image, defaulting Runner if nil.
func New(image string) *Editor {
	return &Editor{Image: image, Runner: &subprocess.Runner{}}
}

func (e *Editor) runner() *subprocess.Runner {
	if e.Runner != nil {
		return e.Runner
	}
	return &subprocess.Runner{}
}

// debugfs runs debugfs in write mode (-w) with script fed over stdin,
// matching e2fs.py's invocation shape.
func (e *Editor) debugfs(ctx context.Context, script string) (string, error) {
	return e.runner().RunStdin(ctx, []byte(script), "debugfs", "-w", e.Image)
}

// FileExists checks for path inside dir via "dirsearch", matching
// e2fs.py's file_exists (success string is "entry found").
func (e *Editor) FileExists(ctx context.Context, dir, name string) (bool, error) {
	script := fmt.Sprintf("dirsearch %s %s\n", dir, name)
	out, err := e.debugfs(ctx, script)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "entry found"), nil
}

// Rm removes path, verifying it is actually gone afterward.
func (e *Editor) Rm(ctx context.Context, path string) error {
	dir, name := splitPath(path)
	exists, err := e.FileExists(ctx, dir, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if _, err := e.debugfs(ctx, fmt.Sprintf("rm %s\n", path)); err != nil {
		return err
	}
	exists, err = e.FileExists(ctx, dir, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("extfs: %s still present after rm", path)
	}
	return nil
}

// MakeEmptyFile writes an empty file at path with the given mode: a local
// temp file is created and copied in via debugfs's "write" command, then
// chmod'd to mode, matching e2fs.py's make_empty_file.
func (e *Editor) MakeEmptyFile(ctx context.Context, path string, mode os.FileMode) error {
	tmp, err := os.CreateTemp("", "extfs-empty-*")
	if err != nil {
		return fmt.Errorf("extfs: creating scratch file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("extfs: closing scratch file: %w", err)
	}

	dir, name := splitPath(path)
	script := fmt.Sprintf("rm %s\ncd %s\nwrite %s %s\n", path, dir, tmpPath, name)
	if _, err := e.debugfs(ctx, script); err != nil {
		return err
	}
	modeScript := fmt.Sprintf("sif %s mode 0%o\n", path, mode.Perm()|0o100000)
	_, err = e.debugfs(ctx, modeScript)
	return err
}

func splitPath(path string) (dir, name string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "/", path
	}
	if idx == 0 {
		return "/", path[1:]
	}
	return path[:idx], path[idx+1:]
}
