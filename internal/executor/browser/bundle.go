// Package browser replays Selenium IDE (.side) bundles against a real browser.
package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"autoflow/internal/task"
)

// Bundle is the subset of the .side project format the runner understands.
type Bundle struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Tests []Test `json:"tests"`
}

type Test struct {
	ID       string    `json:"id,omitempty"`
	Name     string    `json:"name"`
	Commands []Command `json:"commands"`
}

type Command struct {
	ID      string `json:"id,omitempty"`
	Comment string `json:"comment,omitempty"`
	Command string `json:"command"`
	Target  string `json:"target"`
	Value   string `json:"value"`
}

// Skip reports commands that are not executed: empty rows and commands
// disabled in the IDE ("//click").
func (c Command) Skip() bool {
	name := strings.TrimSpace(c.Command)
	return name == "" || strings.HasPrefix(name, "//")
}

func LoadBundle(path string) (Bundle, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Bundle{}, fmt.Errorf("bundle %s: %w", path, task.ErrNotFound)
		}
		return Bundle{}, fmt.Errorf("bundle %s: %w", path, err)
	}
	return ParseBundle(b)
}

func ParseBundle(b []byte) (Bundle, error) {
	var out Bundle
	if err := json.Unmarshal(b, &out); err != nil {
		return Bundle{}, fmt.Errorf("parse bundle: %w", err)
	}
	if len(out.Tests) == 0 {
		return Bundle{}, errors.New("parse bundle: no tests")
	}
	return out, nil
}

// CommandCount counts executable commands across all tests.
func (b Bundle) CommandCount() int {
	n := 0
	for _, t := range b.Tests {
		for _, c := range t.Commands {
			if !c.Skip() {
				n++
			}
		}
	}
	return n
}
