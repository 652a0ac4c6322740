package routes

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ImportDefaults supplies the route attributes an OpenAPI document
// does not carry.
type ImportDefaults struct {
	ProviderID      string `json:"providerId"`
	BackendURL      string `json:"backendUrl"`
	PriceUSDC       string `json:"priceUsdc"`
	AuthHeaderName  string `json:"authHeaderName,omitempty"`
	AuthHeaderValue string `json:"authHeaderValue,omitempty"`
	Group           string `json:"group,omitempty"`
}

type openAPIOperation struct {
	OperationID string `json:"operationId"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type openAPIDoc struct {
	Info struct {
		Title string `json:"title"`
	} `json:"info"`
	Paths map[string]map[string]json.RawMessage `json:"paths"`
}

var importMethods = []string{"get", "post", "put", "delete", "patch", "head", "options"}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// ImportOpenAPI flattens a loose OpenAPI 3.0 document into route rules
// using the supplied defaults. Path templates convert {name} to :name;
// tool ids derive from operationId (slugified) or a method+path slug.
func ImportOpenAPI(doc []byte, defaults ImportDefaults) ([]Rule, error) {
	if strings.TrimSpace(defaults.ProviderID) == "" {
		return nil, fmt.Errorf("providerId default required")
	}
	if strings.TrimSpace(defaults.BackendURL) == "" {
		return nil, fmt.Errorf("backendUrl default required")
	}
	if strings.TrimSpace(defaults.PriceUSDC) == "" {
		defaults.PriceUSDC = "0"
	}
	var parsed openAPIDoc
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	if len(parsed.Paths) == 0 {
		return nil, fmt.Errorf("openapi document has no paths")
	}

	paths := make([]string, 0, len(parsed.Paths))
	for p := range parsed.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	seen := make(map[string]struct{})
	rules := make([]Rule, 0, len(paths))
	for _, rawPath := range paths {
		operations := parsed.Paths[rawPath]
		for _, method := range importMethods {
			raw, ok := operations[method]
			if !ok {
				continue
			}
			var op openAPIOperation
			// Operations can be arbitrary JSON in loose documents;
			// an undecodable one still imports with derived ids.
			_ = json.Unmarshal(raw, &op)
			toolID := slugify(op.OperationID)
			if toolID == "" {
				toolID = slugify(method + " " + rawPath)
			}
			if _, dup := seen[toolID]; dup {
				toolID = slugify(method + " " + rawPath)
			}
			if _, dup := seen[toolID]; dup {
				return nil, fmt.Errorf("duplicate imported tool_id %q", toolID)
			}
			seen[toolID] = struct{}{}
			description := op.Summary
			if description == "" {
				description = op.Description
			}
			rules = append(rules, Rule{
				ToolID:      toolID,
				Method:      strings.ToUpper(method),
				Path:        convertTemplate(rawPath),
				PriceUSDC:   defaults.PriceUSDC,
				Description: description,
				Group:       defaults.Group,
				Provider: Provider{
					ProviderID:      defaults.ProviderID,
					BackendURL:      defaults.BackendURL,
					AuthHeaderName:  defaults.AuthHeaderName,
					AuthHeaderValue: defaults.AuthHeaderValue,
				},
			})
		}
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("openapi document yielded no operations")
	}
	return rules, nil
}

// convertTemplate rewrites OpenAPI {name} segments to :name.
func convertTemplate(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") && len(p) > 2 {
			parts[i] = ":" + p[1:len(p)-1]
		}
	}
	return strings.Join(parts, "/")
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
