package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

const testRegistryYAML = `
models:
  - name: chat-model
    instances: [cloud, local, legacy]
    instance_model_names:
      cloud: qwen-plus
      local: qwen2.5:7b
      legacy: old-model
  - name: embed-model
    instances: [local]
    instance_model_names:
      local: bge-m3
model_instances:
  - name: cloud
    type: qwen
    base_url: https://dashscope.example.com/v1/
    api_key: env(FGO_TEST_API_KEY)
    timeout: 15s
  - name: local
    type: ollama
    base_url: http://localhost:11434
  - name: legacy
    type: carrier-pigeon
    base_url: http://nowhere
`

func testTypes(built map[string]entities.ModelInstance) *AdapterTypes {
	types := NewAdapterTypes()
	factory := func(inst entities.ModelInstance) (ports.ModelAdapter, error) {
		built[inst.Name] = inst
		return answeringAdapter("ok"), nil
	}
	types.Register("qwen", factory)
	types.Register("Ollama", factory)
	return types
}

func TestParseRegistry(t *testing.T) {
	t.Setenv("FGO_TEST_API_KEY", "sk-secret")
	built := map[string]entities.ModelInstance{}

	reg, err := ParseRegistry([]byte(testRegistryYAML), testTypes(built), zerolog.Nop())
	require.NoError(t, err)

	lm, ok := reg.LogicalModel("chat-model")
	require.True(t, ok)
	assert.Equal(t, []string{"cloud", "local", "legacy"}, lm.Instances)
	phys, ok := lm.PhysicalName("local")
	assert.True(t, ok)
	assert.Equal(t, "qwen2.5:7b", phys)

	cloud := built["cloud"]
	assert.Equal(t, "sk-secret", cloud.Params.APIKey)
	assert.Equal(t, "https://dashscope.example.com/v1", cloud.Params.BaseURL)
	assert.Equal(t, 15*time.Second, cloud.Params.Timeout)
	assert.Equal(t, DefaultInstanceTimeout, built["local"].Params.Timeout)

	_, ok = reg.Adapter("legacy")
	assert.False(t, ok, "unknown type must not get an adapter")
	_, ok = reg.Instance("legacy")
	assert.True(t, ok, "unknown type is still a known instance")

	models := reg.LogicalModels()
	require.Len(t, models, 2)
	assert.Equal(t, "chat-model", models[0].Name)
}

func TestParseRegistry_UnknownTypeIsSkippedAtRouting(t *testing.T) {
	built := map[string]entities.ModelInstance{}
	yaml := `
models:
  - name: m
    instances: [legacy, local]
    instance_model_names: {legacy: a, local: b}
model_instances:
  - {name: legacy, type: carrier-pigeon}
  - {name: local, type: ollama}
`
	reg, err := ParseRegistry([]byte(yaml), testTypes(built), zerolog.Nop())
	require.NoError(t, err)

	res, err := NewRouter(reg, zerolog.Nop()).Chat(context.Background(), entities.ChatRequest{LogicalModel: "m"})
	require.NoError(t, err)
	require.Len(t, res.Failover, 2)
	assert.Equal(t, entities.FailoverSkipped, res.Failover[0].Status)
	assert.Equal(t, "local", res.Metadata.InstanceName)
}

func TestParseRegistry_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "models: [unterminated"},
		{"model without instances", "models:\n  - name: m\n"},
		{"duplicate instance", "model_instances:\n  - {name: a, type: ollama}\n  - {name: a, type: ollama}\n"},
		{"bad timeout", "model_instances:\n  - {name: a, type: ollama, timeout: soon}\n"},
		{"negative timeout", "model_instances:\n  - {name: a, type: ollama, timeout: -1s}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.yaml), testTypes(map[string]entities.ModelInstance{}), zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestLoadRegistry_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRegistryYAML), 0o644))

	reg, err := LoadRegistry(path, testTypes(map[string]entities.ModelInstance{}), zerolog.Nop())
	require.NoError(t, err)
	_, ok := reg.LogicalModel("embed-model")
	assert.True(t, ok)

	_, err = LoadRegistry(filepath.Join(dir, "missing.yaml"), NewAdapterTypes(), zerolog.Nop())
	assert.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FGO_TEST_URL", "http://vllm:8000")
	assert.Equal(t, "http://vllm:8000", expandEnv("env(FGO_TEST_URL)", zerolog.Nop()))
	assert.Equal(t, "http://vllm:8000", expandEnv(" env( FGO_TEST_URL ) ", zerolog.Nop()))
	assert.Equal(t, "plain", expandEnv("plain", zerolog.Nop()))
	assert.Equal(t, "", expandEnv("env(FGO_TEST_DEFINITELY_UNSET)", zerolog.Nop()))
}
