// Package config holds the daemon configuration: environment-driven server
// settings and the language-to-interpreter mapping used to execute blocks.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/scriptbook/scriptbook/engine/proc"
	"github.com/scriptbook/scriptbook/internal/files"
)

// InterpretersFileName is searched upward from the working directory when no
// explicit interpreters file is configured.
const InterpretersFileName = "scriptbook.yaml"

// Config is the daemon configuration, read from SCRIPTBOOK_* environment
// variables and overridable by CLI flags.
type Config struct {
	ListenAddr       string        `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8333"`
	WorkDir          string        `envconfig:"WORK_DIR"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"info"`
	ReplayEvents     int           `envconfig:"REPLAY_EVENTS" default:"1000"`
	ExecTimeout      time.Duration `envconfig:"EXEC_TIMEOUT"`
	InterpretersFile string        `envconfig:"INTERPRETERS_FILE"`

	// DockerImage switches execution to the docker spawner, running each
	// block in a container of this image. Empty means local processes.
	DockerImage string `envconfig:"DOCKER_IMAGE"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("scriptbook", &c); err != nil {
		return Config{}, fmt.Errorf("reading environment config: %w", err)
	}
	if c.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("determining working directory: %w", err)
		}
		c.WorkDir = wd
	}
	return c, nil
}

// Interpreter describes how to execute one block language. The block's code
// is appended as the final argument.
type Interpreter struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	TTY     bool     `yaml:"tty"`
}

// Spec builds the process spec for running code with this interpreter.
func (i Interpreter) Spec(code, workDir string) proc.Spec {
	args := make([]string, 0, len(i.Args)+1)
	args = append(args, i.Args...)
	args = append(args, code)
	return proc.Spec{
		Command: i.Command,
		Args:    args,
		WD:      workDir,
		TTY:     i.TTY,
	}
}

// Interpreters maps a language tag to its interpreter.
type Interpreters map[string]Interpreter

// DefaultInterpreters returns the built-in mapping.
func DefaultInterpreters() Interpreters {
	return Interpreters{
		"bash":   {Command: "/bin/bash", Args: []string{"-c"}},
		"sh":     {Command: "/bin/sh", Args: []string{"-c"}},
		"python": {Command: "python3", Args: []string{"-c"}},
	}
}

// Resolve returns the interpreter for a language tag. An empty tag means
// bash, so untagged code blocks still run.
func (m Interpreters) Resolve(language string) (Interpreter, error) {
	if language == "" {
		language = "bash"
	}
	in, ok := m[language]
	if !ok {
		known := make([]string, 0, len(m))
		for k := range m {
			known = append(known, k)
		}
		sort.Strings(known)
		return Interpreter{}, fmt.Errorf("no interpreter configured for language %q (configured: %v)", language, known)
	}
	return in, nil
}

type interpretersFile struct {
	Interpreters map[string]Interpreter `yaml:"interpreters"`
}

// LoadInterpreters returns the default mapping merged with overrides from
// the YAML file at path. An empty path searches upward from workDir for
// scriptbook.yaml; if none is found the defaults are returned unchanged.
func LoadInterpreters(path, workDir string) (Interpreters, error) {
	m := DefaultInterpreters()
	if path == "" {
		path = files.FindUp(InterpretersFileName, workDir)
		if path == "" {
			return m, nil
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading interpreters file: %w", err)
	}
	var f interpretersFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing interpreters file %q: %w", path, err)
	}
	for lang, in := range f.Interpreters {
		if in.Command == "" {
			return nil, fmt.Errorf("interpreter %q in %q has no command", lang, path)
		}
		m[lang] = in
	}
	return m, nil
}
