package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ResolveExecutable turns program into an absolute path to an executable
// file. Absolute paths are checked as given; bare names are looked up in
// dirs, then in $PATH. Nothing is launched.
//
// A path that exists but lacks execute permission yields ErrNotExecutable
// naming that path. A program found nowhere yields ErrExecutableNotFound
// naming the program and every location searched.
func ResolveExecutable(program string, dirs []string) (string, error) {
	if program == "" {
		return "", fmt.Errorf("%w: empty program name", ErrExecutableNotFound)
	}

	if filepath.IsAbs(program) || strings.ContainsRune(program, os.PathSeparator) {
		abs, err := filepath.Abs(program)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, program, err)
		}
		if err := checkExecutable(abs); err != nil {
			return "", err
		}
		return abs, nil
	}

	search := append(append([]string(nil), dirs...), filepath.SplitList(os.Getenv("PATH"))...)
	var notExec error
	for _, dir := range search {
		if dir == "" {
			continue
		}
		for _, name := range candidates(program) {
			p := filepath.Join(dir, name)
			err := checkExecutable(p)
			if err == nil {
				if abs, absErr := filepath.Abs(p); absErr == nil {
					return abs, nil
				}
				return p, nil
			}
			if notExec == nil && errors.Is(err, ErrNotExecutable) {
				notExec = err
			}
		}
	}
	if notExec != nil {
		return "", notExec
	}
	return "", fmt.Errorf("%w: %s (searched %s)", ErrExecutableNotFound, program, strings.Join(search, string(os.PathListSeparator)))
}

func candidates(program string) []string {
	if runtime.GOOS == "windows" && filepath.Ext(program) == "" {
		return []string{program + ".exe", program}
	}
	return []string{program}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrExecutableNotFound, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrNotExecutable, path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s", ErrNotExecutable, path)
	}
	return nil
}
