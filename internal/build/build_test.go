package build

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConfigButler/dispatcher/internal/manifest"
)

func TestInvocation_Ansible(t *testing.T) {
	eff := manifest.Effective{Method: manifest.MethodAnsible, Playbook: "/co/a/p.yml", Inventory: "/co/a/inv"}
	inv, err := Invocation(eff, "/co", map[string]string{"k1": "v1", "k2": "v 2"})
	require.NoError(t, err)

	assert.Equal(t, "/co", inv.Dir)
	require.Len(t, inv.Argv, 6)
	assert.Equal(t, "ansible-playbook", inv.Argv[0])
	assert.Equal(t, "-i", inv.Argv[1])
	assert.Equal(t, "/co/a/inv", inv.Argv[2])
	assert.Equal(t, "/co/a/p.yml", inv.Argv[3])
	assert.Equal(t, "--extra-vars", inv.Argv[4])

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(inv.Argv[5]), &decoded))
	assert.Equal(t, "v1", decoded["k1"])
	assert.Equal(t, "v 2", decoded["k2"])

	assert.Contains(t, inv.Env, "k1=v1")
	assert.Contains(t, inv.Env, "k2=v 2")
}

func TestInvocation_Makefile(t *testing.T) {
	eff := manifest.Effective{Method: manifest.MethodMakefile, Task: "self-deploy"}
	inv, err := Invocation(eff, "/co", map[string]string{"FOO": "bar"})
	require.NoError(t, err)
	assert.Equal(t, []string{"make", "self-deploy"}, inv.Argv)
	assert.Equal(t, "/co", inv.Dir)
	assert.Contains(t, inv.Env, "FOO=bar")
}

func TestInvocation_UnknownMethod(t *testing.T) {
	_, err := Invocation(manifest.Effective{Method: "shell"}, "/co", nil)
	require.Error(t, err)
}
