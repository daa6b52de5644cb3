package engine

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/numhive/platform/internal/domain/provider"
)

// ResolvedRequest is a fully substituted upstream request, ready to
// execute.
type ResolvedRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// ResolveEndpoint substitutes {slot} placeholders in an endpoint template
// from call arguments, endpoint defaults and the active credential, then
// injects authentication per the provider's auth type.
func ResolveEndpoint(p *provider.Provider, spec provider.EndpointSpec, args map[string]string, credential string) (*ResolvedRequest, error) {
	vars := make(map[string]string, len(args)+len(spec.Defaults)+2)
	for k, v := range spec.Defaults {
		vars[k] = v
	}
	for k, v := range args {
		vars[k] = v
	}
	if credential != "" {
		vars["apiKey"] = credential
		vars["token"] = credential
	}

	path, err := expandTemplate(spec.Path, vars)
	if err != nil {
		return nil, fmt.Errorf("endpoint path: %w", err)
	}

	base := strings.TrimSpace(p.BaseURL)
	var full string
	switch {
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		full = path
	case base == "":
		return nil, fmt.Errorf("provider %s has no base URL", p.Slug)
	default:
		full = strings.TrimRight(base, "/")
		if path != "" {
			full += "/" + strings.TrimLeft(path, "/")
		}
	}

	u, err := url.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint URL: %w", err)
	}

	q := u.Query()
	for name, tmpl := range spec.Query {
		v, err := expandTemplate(tmpl, vars)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		if v != "" {
			q.Set(name, v)
		}
	}

	headers := make(map[string]string, len(spec.Headers)+1)
	for name, tmpl := range spec.Headers {
		v, err := expandTemplate(tmpl, vars)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", name, err)
		}
		headers[name] = v
	}

	switch p.AuthType {
	case provider.AuthQuery:
		param := p.AuthParam
		if param == "" {
			param = "api_key"
		}
		q.Set(param, credential)
	case provider.AuthHeader:
		param := p.AuthParam
		if param == "" {
			param = "X-Api-Key"
		}
		headers[param] = credential
	case provider.AuthBearer:
		headers["Authorization"] = "Bearer " + credential
	case provider.AuthNone, "":
	default:
		return nil, fmt.Errorf("unknown auth type %q", p.AuthType)
	}

	u.RawQuery = q.Encode()

	body := ""
	if spec.Body != "" {
		body, err = expandTemplate(spec.Body, vars)
		if err != nil {
			return nil, fmt.Errorf("body template: %w", err)
		}
	}

	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = "GET"
	}

	return &ResolvedRequest{Method: method, URL: u.String(), Headers: headers, Body: body}, nil
}

// expandTemplate replaces every {name} slot with its variable. A slot with
// no bound variable is an error; optional parameters belong in Defaults
// with an empty value.
func expandTemplate(tmpl string, vars map[string]string) (string, error) {
	if !strings.ContainsRune(tmpl, '{') {
		return tmpl, nil
	}
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		if c != '{' {
			b.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated slot in template %q", tmpl)
		}
		name := tmpl[i+1 : i+end]
		if name == "" {
			return "", fmt.Errorf("empty slot in template %q", tmpl)
		}
		v, ok := vars[name]
		if !ok {
			return "", &MissingSlotError{Slot: name, Template: tmpl}
		}
		b.WriteString(v)
		i += end + 1
	}
	return b.String(), nil
}

// MissingSlotError reports an unresolved template slot.
type MissingSlotError struct {
	Slot     string
	Template string
}

func (e *MissingSlotError) Error() string {
	return fmt.Sprintf("template %q: no value for slot {%s}", e.Template, e.Slot)
}
