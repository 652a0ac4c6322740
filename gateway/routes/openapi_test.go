package routes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleOpenAPI = `{
  "openapi": "3.0.0",
  "info": {"title": "Weather API"},
  "paths": {
    "/forecast/{city}": {
      "get": {"operationId": "getForecast", "summary": "City forecast"}
    },
    "/alerts": {
      "get": {"summary": "Active alerts"},
      "post": {"operationId": "Create Alert!"}
    }
  }
}`

func TestImportOpenAPI(t *testing.T) {
	rules, err := ImportOpenAPI([]byte(sampleOpenAPI), ImportDefaults{
		ProviderID: "weather",
		BackendURL: "https://api.weather.example",
		PriceUSDC:  "0.02",
	})
	require.NoError(t, err)
	require.Len(t, rules, 3)
	byTool := make(map[string]Rule, len(rules))
	for _, r := range rules {
		require.NoError(t, r.Validate(), "imported rule %q", r.ToolID)
		byTool[r.ToolID] = r
	}

	forecast, ok := byTool["getforecast"]
	require.True(t, ok, "operationId slug missing: %v", byTool)
	require.Equal(t, "/forecast/:city", forecast.Path)
	require.Equal(t, "GET", forecast.Method)
	require.Equal(t, "0.02", forecast.PriceUSDC)
	require.Equal(t, "weather", forecast.Provider.ProviderID)
	require.Equal(t, "City forecast", forecast.Description)

	require.Contains(t, byTool, "get-alerts", "method+path slug")
	require.Contains(t, byTool, "create-alert", "slugified operationId")
}

func TestImportOpenAPIRequiresDefaults(t *testing.T) {
	_, err := ImportOpenAPI([]byte(sampleOpenAPI), ImportDefaults{BackendURL: "https://x"})
	require.Error(t, err, "missing providerId")

	_, err = ImportOpenAPI([]byte(`{"paths":{}}`), ImportDefaults{ProviderID: "p", BackendURL: "https://x"})
	require.Error(t, err, "empty paths")
}

func TestRoutesFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	rules := []Rule{rule("echo", "GET", "/api/echo", "0"), rule("premium", "GET", "/api/premium", "0.01")}
	require.NoError(t, PersistFile(path, rules))
	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "echo", loaded[0].ToolID)
	require.Equal(t, "0.01", loaded[1].PriceUSDC)
}

func TestLoadFileRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	doc := `{"routes":[
	  {"tool_id":"a","method":"GET","path":"/api/a","price_usdc":"0","provider":{"provider_id":"p","backend_url":"https://x.example"}},
	  {"tool_id":"a","method":"GET","path":"/api/b","price_usdc":"0","provider":{"provider_id":"p","backend_url":"https://x.example"}}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	_, err := LoadFile(path)
	require.Error(t, err, "duplicate tool_id")
}
