// Package twcfile is the canonical Config Source front-end: it decodes a
// ".twc" YAML document into the watch.Descriptors spec.md's Config Source
// installs. It replaces the original's execfile()-based Python config
// loader (RegisterWatch/Exec run inside an exec namespace) with a closed,
// declarative format — the same watch options, without the ability to run
// arbitrary code at load time.
package twcfile

import (
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/liquidgecka/twitcher/internal/action"
	"github.com/liquidgecka/twitcher/internal/runner"
	"github.com/liquidgecka/twitcher/internal/watch"
)

// document is the top-level shape of a .twc file.
type document struct {
	Watches []watchYAML `yaml:"watches"`
}

// watchYAML mirrors spec.md §6's descriptor option table, plus the action
// sub-document that selects between a shell command and an argv list.
type watchYAML struct {
	Znode        string     `yaml:"znode"`
	Description  string     `yaml:"description"`
	Action       actionYAML `yaml:"action"`
	PipeStdin    *bool      `yaml:"pipe_stdin"`
	RunOnLoad    *bool      `yaml:"run_on_load"`
	RunMode      string     `yaml:"run_mode"`
	WatchType    string     `yaml:"watch_type"`
	UID          string     `yaml:"uid"`
	GID          string     `yaml:"gid"`
	NotifySignal *int       `yaml:"notify_signal"`
	Timeout      int        `yaml:"timeout"`
}

type actionYAML struct {
	Shell string   `yaml:"shell"`
	Argv  []string `yaml:"argv"`
}

// Parse implements config.Parser: it decodes a .twc document's YAML bytes
// into watch.Descriptors, resolving uid/gid, run_mode, watch_type, and the
// action variant, and applying spec.md §6's documented defaults.
func Parse(path string, data []byte) ([]watch.Descriptor, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "twcfile: parsing %s", path)
	}

	descs := make([]watch.Descriptor, 0, len(doc.Watches))
	for i, w := range doc.Watches {
		d, err := toDescriptor(path, i, w)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func toDescriptor(path string, index int, w watchYAML) (watch.Descriptor, error) {
	if w.Znode == "" {
		return watch.Descriptor{}, errors.Errorf("twcfile: %s: watch %d: znode is required", path, index)
	}

	act, err := toAction(path, index, w.Action)
	if err != nil {
		return watch.Descriptor{}, err
	}

	desc := watch.Descriptor{
		Path:        w.Znode,
		Action:      act,
		PipeStdin:   boolOr(w.PipeStdin, true),
		RunOnLoad:   boolOr(w.RunOnLoad, true),
		Description: w.Description,
	}
	if desc.Description == "" {
		desc.Description = defaultDescription(path, index)
	}

	switch w.RunMode {
	case "", "QUEUE":
		desc.RunMode = watch.RunModeQueue
	case "PARALLEL":
		desc.RunMode = watch.RunModeParallel
	case "DISCARD":
		desc.RunMode = watch.RunModeDiscard
	default:
		return watch.Descriptor{}, errors.Errorf("twcfile: %s: watch %d: unknown run_mode %q", path, index, w.RunMode)
	}

	switch w.WatchType {
	case "", "DATA":
		desc.Type = watch.TypeData
	case "CHILDREN":
		desc.Type = watch.TypeChildren
	default:
		return watch.Descriptor{}, errors.Errorf("twcfile: %s: watch %d: unknown watch_type %q", path, index, w.WatchType)
	}

	if w.UID != "" {
		uid, err := runner.ResolveUser(w.UID)
		if err != nil {
			return watch.Descriptor{}, errors.Wrapf(err, "twcfile: %s: watch %d", path, index)
		}
		desc.Identity.UID = &uid
	}
	if w.GID != "" {
		gid, err := runner.ResolveGroup(w.GID)
		if err != nil {
			return watch.Descriptor{}, errors.Wrapf(err, "twcfile: %s: watch %d", path, index)
		}
		desc.Identity.GID = &gid
	}

	if w.NotifySignal != nil {
		sig := *w.NotifySignal
		if sig < 1 || sig >= 32 {
			return watch.Descriptor{}, errors.Errorf(
				"twcfile: %s: watch %d: notify_signal must be 1..31, got %d", path, index, sig)
		}
		desc.NotifySignal = syscall.Signal(sig)
	}
	if w.Timeout > 0 {
		desc.Timeout = time.Duration(w.Timeout) * time.Second
	}

	return desc, nil
}

func toAction(path string, index int, a actionYAML) (action.Action, error) {
	switch {
	case a.Shell != "" && len(a.Argv) > 0:
		return action.Action{}, errors.Errorf(
			"twcfile: %s: watch %d: action must set exactly one of shell or argv", path, index)
	case a.Shell != "":
		return action.Shell(a.Shell), nil
	case len(a.Argv) > 0:
		return action.Argv(a.Argv...), nil
	default:
		return action.Action{}, errors.Errorf("twcfile: %s: watch %d: action is required", path, index)
	}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func defaultDescription(path string, index int) string {
	return path + "-" + strconv.Itoa(index+1)
}
