// Package build composes the subprocess Invocation (argv, env, cwd)
// for a task, given its effective manifest and environment injection.
package build

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/ConfigButler/dispatcher/internal/manifest"
	"github.com/ConfigButler/dispatcher/internal/procexec"
)

// Invocation composes the subprocess to run. Build always spawns
// the parent environment plus the repo/branch's env injection; the
// manifest's method decides argv.
func Invocation(eff manifest.Effective, checkoutRoot string, envInjection map[string]string) (procexec.Invocation, error) {
	env := mergeEnv(os.Environ(), envInjection)

	var argv []string
	switch eff.Method {
	case manifest.MethodAnsible:
		extraVars, err := extraVarsJSON(envInjection)
		if err != nil {
			return procexec.Invocation{}, fmt.Errorf("building ansible invocation: %w", err)
		}
		argv = []string{
			"ansible-playbook",
			"-i", eff.Inventory,
			eff.Playbook,
			"--extra-vars", extraVars,
		}

	case manifest.MethodMakefile:
		argv = []string{"make", eff.Task}

	default:
		return procexec.Invocation{}, fmt.Errorf("unsupported method %q", eff.Method)
	}

	return procexec.Invocation{Argv: argv, Env: env, Dir: checkoutRoot}, nil
}

// mergeEnv appends injection ("K=V" keys preserved verbatim) after
// base so injected values win on duplicate keys, matching exec.Cmd's
// last-wins lookup behaviour.
func mergeEnv(base []string, injection map[string]string) []string {
	env := make([]string, len(base), len(base)+len(injection))
	copy(env, base)
	for _, k := range sortedKeys(injection) {
		env = append(env, k+"="+injection[k])
	}
	return env
}

// extraVarsJSON encodes the env injection mapping as the single JSON
// object argument ansible-playbook's --extra-vars accepts. Chosen
// over space-joined "k=v" pairs because those break when a value
// contains whitespace.
func extraVarsJSON(vars map[string]string) (string, error) {
	ordered := make(map[string]string, len(vars))
	for k, v := range vars {
		ordered[k] = v
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
