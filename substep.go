package steprun

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// FileToken is the placeholder substituted with each resolved path when a
// step is expanded into sub-steps.
const FileToken = "<StepFile>"

// FileList specifies the paths a step expands over: either an explicit
// sequence of paths or a filepath.Match pattern resolved against the
// pipeline's root directory. The two are mutually exclusive.
//
// Recursive is an explicit opt-in: when set, resolution walks the whole
// directory tree under root and matches the pattern against each file's
// base name. On large trees that walk is expensive; the cost is the
// caller's documented trade-off, not mitigated here.
type FileList struct {
	Paths     []string `json:"paths,omitempty" yaml:"paths,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Recursive bool     `json:"recursive,omitempty" yaml:"recursive,omitempty"`
}

// Resolve materializes the ordered, deduplicated set of paths the list
// describes. Explicit paths are returned in the order given; pattern
// matches are returned in lexical order.
func (f *FileList) Resolve(root string) ([]string, error) {
	if len(f.Paths) > 0 && f.Pattern != "" {
		return nil, &ConfigError{Err: fmt.Errorf("file list: paths and pattern are mutually exclusive")}
	}

	if len(f.Paths) > 0 {
		return dedup(f.Paths), nil
	}
	if f.Pattern == "" {
		return nil, &ConfigError{Err: fmt.Errorf("file list: either paths or pattern is required")}
	}
	if root == "" {
		root = "."
	}

	if !f.Recursive {
		matches, err := filepath.Glob(filepath.Join(root, f.Pattern))
		if err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("file list: bad pattern %q: %w", f.Pattern, err)}
		}
		return dedup(matches), nil
	}

	// Full recursive walk, filtering by base name.
	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ok, err := filepath.Match(f.Pattern, d.Name())
		if err != nil {
			return &ConfigError{Err: fmt.Errorf("file list: bad pattern %q: %w", f.Pattern, err)}
		}
		if ok {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file list: walk %s: %w", root, err)
	}
	return dedup(matches), nil
}

func dedup(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// substituteWork returns a copy of w with every occurrence of FileToken
// replaced by path. When appendIfMissing is set and the token appears
// nowhere, the path is attached to the end of the work's arguments (or
// script text, or callable argument) so every sub-step still receives its
// file.
func substituteWork(w Work, path string, appendIfMissing bool) Work {
	switch w.Kind {
	case WorkCommand:
		found := false
		args := make([]string, len(w.Args))
		for i, a := range w.Args {
			if strings.Contains(a, FileToken) {
				found = true
			}
			args[i] = strings.ReplaceAll(a, FileToken, path)
		}
		if !found && appendIfMissing {
			args = append(args, path)
		}
		w.Args = args
	case WorkScript:
		if strings.Contains(w.Script, FileToken) {
			w.Script = strings.ReplaceAll(w.Script, FileToken, path)
		} else if appendIfMissing {
			w.Script = w.Script + " " + path
		}
	case WorkCallable:
		if s, ok := w.Arg.(string); ok && strings.Contains(s, FileToken) {
			w.Arg = strings.ReplaceAll(s, FileToken, path)
		} else if w.Arg == nil && appendIfMissing {
			w.Arg = path
		}
	}
	return w
}

// expand materializes the sub-steps of a file-list step: one child per
// resolved path, with the parent's work substituted and any hook that
// references the file token copied down with its token replaced. Hooks
// that do not reference the token stay on the parent and are evaluated
// there only.
func expand(s *Step, root string) error {
	if s.FileList == nil {
		return nil
	}
	paths, err := s.FileList.Resolve(root)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return &ConfigError{Step: s.Name, Err: fmt.Errorf("file list matched no paths")}
	}

	subs := make([]*Step, 0, len(paths))
	for _, path := range paths {
		child := &Step{
			Name:  s.Name + ":" + path,
			Work:  substituteWork(s.Work, path, true),
			State: StateNotRun,
		}
		if s.Pretest.needsFile() {
			child.Pretest = s.Pretest.substituted(path)
		}
		if s.Donetest.needsFile() {
			child.Donetest = s.Donetest.substituted(path)
		}
		subs = append(subs, child)
	}
	s.SubSteps = subs
	return nil
}
