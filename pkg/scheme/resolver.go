// Package scheme implements the Scheme Configuration Resolver (C7)
// and the Scheme Renderer (C8): it expands element groups, inherits
// template fields, and walks a scheme's SVG document mutating
// attributes and text from live data-module values.
package scheme

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/protei/datagate/pkg/config"
	"github.com/protei/datagate/pkg/dataerr"
)

var varPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteVars replaces every "{name}" occurrence in s with
// variables[name]; a referenced name absent from variables is fatal.
func substituteVars(s string, variables map[string]string) (string, error) {
	var missing string
	out := varPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := variables[name]; ok {
			return v
		}
		missing = name
		return m
	})
	if missing != "" {
		return "", dataerr.New(dataerr.Configuration,
			fmt.Sprintf("unknown variable %q in %q", missing, s))
	}
	return out, nil
}

// resolveElementVars clones element and passes every one of its
// string fields through variable substitution.
func resolveElementVars(element config.ElementConfig, variables map[string]string) (config.ElementConfig, error) {
	clone := element.Clone()

	strs := []*string{&clone.Template, &clone.DataModule, &clone.DataID, &clone.SVGID, &clone.Type, &clone.InfluxQuery}
	for _, s := range strs {
		v, err := substituteVars(*s, variables)
		if err != nil {
			return config.ElementConfig{}, err
		}
		*s = v
	}

	newMap := make(map[string]string, len(clone.Map))
	for k, v := range clone.Map {
		nk, err := substituteVars(k, variables)
		if err != nil {
			return config.ElementConfig{}, err
		}
		nv, err := substituteVars(v, variables)
		if err != nil {
			return config.ElementConfig{}, err
		}
		newMap[nk] = nv
	}
	clone.Map = newMap

	for i := range clone.Style {
		st := &clone.Style[i]
		resolved, err := substituteVars(st.Match, variables)
		if err != nil {
			return config.ElementConfig{}, err
		}
		st.Match = resolved
		if st.Fill != nil {
			v, err := substituteVars(*st.Fill, variables)
			if err != nil {
				return config.ElementConfig{}, err
			}
			st.Fill = &v
		}
		if st.Style != nil {
			v, err := substituteVars(*st.Style, variables)
			if err != nil {
				return config.ElementConfig{}, err
			}
			st.Style = &v
		}
		text, err := substituteVars(st.Text, variables)
		if err != nil {
			return config.ElementConfig{}, err
		}
		st.Text = text
	}
	return clone, nil
}

// inheritableFields lists the ElementConfig struct fields template
// inheritance may copy, in Go field-name form (reflect.Value.FieldByName).
var inheritableFields = []string{
	"DataModule", "DataID", "SVGID", "Type", "Write", "COV",
	"InfluxQuery", "Precision", "Map", "Style",
}

// yamlKeyOf maps a Go field name back to the YAML key used in Set, so
// "explicitly set" checks agree with config.ElementConfig.UnmarshalYAML.
var yamlKeyOf = map[string]string{
	"Template": "template", "DataModule": "data_module", "DataID": "data_id",
	"SVGID": "svg_id", "Type": "type", "Write": "write", "COV": "cov",
	"InfluxQuery": "influx_query", "Precision": "precision",
	"Map": "map", "Style": "style",
}

func applyTemplate(element, template *config.ElementConfig) {
	ev := reflect.ValueOf(element).Elem()
	tv := reflect.ValueOf(template).Elem()
	for _, field := range inheritableFields {
		key := yamlKeyOf[field]
		if element.Set[key] {
			continue // already explicitly set on the element itself
		}
		if !template.Set[key] {
			continue // template never set it either; leave the default
		}
		ev.FieldByName(field).Set(tv.FieldByName(field))
	}
}

// Resolver builds templates/groups/schemes indices from a Config and
// resolves every scheme's element list (group expansion then template
// inheritance) once, at construction.
type Resolver struct {
	schemesDir string
	templates  map[string]config.ElementConfig
	groups     map[string]config.GroupConfig
	schemes    map[string]config.SchemeConfig
	order      []string // scheme ids in configuration order, for the index listing
}

// NewResolver builds the three indices and runs both resolution
// passes. Duplicate keys in any index, and any missing template/group
// reference, are fatal.
func NewResolver(cfg *config.Config) (*Resolver, error) {
	r := &Resolver{
		schemesDir: cfg.SchemesDir,
		templates:  make(map[string]config.ElementConfig, len(cfg.Templates)),
		groups:     make(map[string]config.GroupConfig, len(cfg.Groups)),
		schemes:    make(map[string]config.SchemeConfig, len(cfg.Schemes)),
	}

	for _, t := range cfg.Templates {
		if t.Template == "" {
			return nil, dataerr.New(dataerr.Configuration, "template definition requires a template name")
		}
		if _, dup := r.templates[t.Template]; dup {
			return nil, dataerr.New(dataerr.Configuration, "duplicate template name "+t.Template)
		}
		r.templates[t.Template] = t
	}
	for _, g := range cfg.Groups {
		if _, dup := r.groups[g.GroupName]; dup {
			return nil, dataerr.New(dataerr.Configuration, "duplicate group name "+g.GroupName)
		}
		r.groups[g.GroupName] = g
	}
	for _, s := range cfg.Schemes {
		if _, dup := r.schemes[s.SchemeID]; dup {
			return nil, dataerr.New(dataerr.Configuration, "duplicate scheme id "+s.SchemeID)
		}
		r.schemes[s.SchemeID] = s
		r.order = append(r.order, s.SchemeID)
	}

	if err := r.resolveGroups(); err != nil {
		return nil, err
	}
	if err := r.resolveTemplates(); err != nil {
		return nil, err
	}
	return r, nil
}

// resolveGroups is pass 1: every group reference on a scheme produces
// cloned, variable-substituted elements appended to the scheme's
// element list.
func (r *Resolver) resolveGroups() error {
	for id, scheme := range r.schemes {
		for _, ref := range scheme.Groups {
			group, ok := r.groups[ref.GroupName]
			if !ok {
				return dataerr.New(dataerr.Configuration,
					fmt.Sprintf("group %q not found, required by scheme %q", ref.GroupName, id))
			}
			for _, el := range group.Elements {
				resolved, err := resolveElementVars(el, ref.Variables)
				if err != nil {
					return err
				}
				scheme.Elements = append(scheme.Elements, resolved)
			}
		}
		r.schemes[id] = scheme
	}
	return nil
}

// resolveTemplates is pass 2: every element naming a template inherits
// the template's value for any field the element did not itself set.
func (r *Resolver) resolveTemplates() error {
	for id, scheme := range r.schemes {
		for i := range scheme.Elements {
			el := &scheme.Elements[i]
			if el.Template == "" {
				continue
			}
			template, ok := r.templates[el.Template]
			if !ok {
				return dataerr.New(dataerr.Configuration,
					fmt.Sprintf("template %q not found, required by %q in scheme %q", el.Template, el.SVGID, id))
			}
			applyTemplate(el, &template)
		}
		r.schemes[id] = scheme
	}
	return nil
}

// SchemeIDs returns the configured scheme ids in configuration order,
// for the index listing.
func (r *Resolver) SchemeIDs() []string {
	return append([]string(nil), r.order...)
}

// Scheme returns the fully resolved scheme, or NotFound.
func (r *Resolver) Scheme(schemeID string) (config.SchemeConfig, error) {
	s, ok := r.schemes[schemeID]
	if !ok {
		return config.SchemeConfig{}, dataerr.New(dataerr.NotFound, "scheme not found")
	}
	return s, nil
}

// Element returns the one element in scheme schemeID whose SVGID
// equals svgID; NotFound if zero or more than one match.
func (r *Resolver) Element(schemeID, svgID string) (config.ElementConfig, error) {
	s, err := r.Scheme(schemeID)
	if err != nil {
		return config.ElementConfig{}, err
	}
	var found *config.ElementConfig
	for i := range s.Elements {
		if s.Elements[i].SVGID == svgID {
			if found != nil {
				return config.ElementConfig{}, dataerr.New(dataerr.NotFound, "duplicate svg_id "+svgID)
			}
			found = &s.Elements[i]
		}
	}
	if found == nil {
		return config.ElementConfig{}, dataerr.New(dataerr.NotFound, "element not found")
	}
	return *found, nil
}

// SchemesDir is the directory SVG files are read from at render time.
func (r *Resolver) SchemesDir() string { return r.schemesDir }

// styleMatches reports whether value is selected by rule: a numeric
// range test when min/max are set and value parses as a number,
// otherwise a regex match against the stringified value.
func styleMatches(rule config.StyleRule, value string) bool {
	if rule.Min != nil || rule.Max != nil {
		num, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err == nil {
			if rule.Min != nil && num < *rule.Min {
				return false
			}
			if rule.Max != nil && num > *rule.Max {
				return false
			}
			return true
		}
	}
	re, err := regexp.Compile(rule.Match)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
