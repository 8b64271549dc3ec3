package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxScriptLength bounds generated scripts.
const MaxScriptLength = 10000

// ErrInvalidScript wraps every generated-script rejection.
var ErrInvalidScript = errors.New("invalid script")

var (
	fenceRE = regexp.MustCompile("```(?:python)?\\n?")
	sceneRE = regexp.MustCompile(`class\s+(\w+)\s*\(\s*\w*Scene\s*\)`)
)

var forbiddenOperations = []string{
	"open(", "file(", "with open",
	"os.", "sys.", "subprocess.", "shutil.", "pathlib.",
	"urllib", "requests", "socket", "http.",
	"exec(", "eval(", "compile(", "__import__",
	"globals()", "locals()", "vars()",
	"system(", "popen(", "shell=",
	"__file__", "__path__", "__dict__", "__class__",
}

var allowedImports = []string{
	"from manim import *",
	"import random",
	"import numpy as np",
	"import math",
}

// CleanScript strips markdown fences and surrounding blank lines from raw
// model output.
func CleanScript(raw string) string {
	code := fenceRE.ReplaceAllString(raw, "")
	lines := strings.Split(code, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// SceneClasses returns the names of the Scene subclasses declared in code.
func SceneClasses(code string) []string {
	var names []string
	for _, m := range sceneRE.FindAllStringSubmatch(code, -1) {
		names = append(names, m[1])
	}
	return names
}

// Script checks that generated code is something the renderer may run.
// The returned error wraps ErrInvalidScript.
func Script(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: empty script", ErrInvalidScript)
	}
	if len(code) > MaxScriptLength {
		return fmt.Errorf("%w: script is too large (%d bytes)", ErrInvalidScript, len(code))
	}

	lower := strings.ToLower(code)
	for _, op := range forbiddenOperations {
		if strings.Contains(lower, op) {
			return fmt.Errorf("%w: forbidden operation %q", ErrInvalidScript, op)
		}
	}

	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "import ") && !strings.HasPrefix(line, "from ") {
			continue
		}
		allowed := false
		for _, imp := range allowedImports {
			if strings.HasPrefix(line, imp) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: unauthorized import %q", ErrInvalidScript, line)
		}
	}

	if len(SceneClasses(code)) == 0 {
		return fmt.Errorf("%w: no Scene subclass found", ErrInvalidScript)
	}
	return nil
}
