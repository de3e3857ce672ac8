// Package config loads the gateway's tree-shaped YAML configuration:
// a single file, or every *.yaml/*.yml file in a directory merged in
// alphabetical order, decoded into one typed tree (host, port, debug,
// influx_db, schemes_dir, bacnet, modbus, snmp,
// scheme_element_template[], scheme_element_group[], scheme[]).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/protei/datagate/pkg/data/bacnet"
	"github.com/protei/datagate/pkg/data/modbus"
	"github.com/protei/datagate/pkg/data/snmp"
	"github.com/protei/datagate/pkg/dataerr"
)

// InfluxConfig names the external time-series store the influx
// forwarding endpoint talks to.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// StyleRule is one entry of an element binding's style-rules list.
// Min/Max/Fill/Opacity/Style are pointers so the renderer can tell
// "unset" from "zero value".
type StyleRule struct {
	Match   string   `yaml:"match"`
	Min     *float64 `yaml:"min"`
	Max     *float64 `yaml:"max"`
	Fill    *string  `yaml:"fill"`
	Opacity *float64 `yaml:"opacity"`
	Style   *string  `yaml:"style"`
	Text    string   `yaml:"text"`
}

// UnmarshalYAML applies the defaults the original carries on every
// style rule: match-anything regex and a bare "%%" text template.
func (s *StyleRule) UnmarshalYAML(node *yaml.Node) error {
	type plain StyleRule
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = StyleRule(p)
	if s.Match == "" {
		s.Match = ".*"
	}
	if s.Text == "" {
		s.Text = "%%"
	}
	return nil
}

// ElementConfig binds one SVG node to one point on one data module;
// the same shape, keyed by its Template field, is also used for
// scheme_element_template entries.
type ElementConfig struct {
	Template    string            `yaml:"template"`
	DataModule  string            `yaml:"data_module"`
	DataID      string            `yaml:"data_id"`
	SVGID       string            `yaml:"svg_id"`
	Type        string            `yaml:"type"`
	Write       bool              `yaml:"write"`
	COV         bool              `yaml:"cov"`
	InfluxQuery string            `yaml:"influx_query"`
	Precision   int               `yaml:"precision"`
	Map         map[string]string `yaml:"map"`
	Style       []StyleRule       `yaml:"style"`

	// Set records which of the above YAML keys were present in the
	// document this element was decoded from. The resolver's template
	// inheritance pass consumes this bit instead of guessing from zero
	// values, since a zero value is ambiguous with "explicitly set to
	// zero".
	Set map[string]bool `yaml:"-"`
}

// fieldNames lists the ElementConfig YAML keys; its length sizes the
// Set map built while decoding.
var fieldNames = []string{
	"template", "data_module", "data_id", "svg_id", "type",
	"write", "cov", "influx_query", "precision", "map", "style",
}

func (e *ElementConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ElementConfig
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = ElementConfig(p)
	if e.Precision == 0 {
		e.Precision = 4
	}
	if len(e.Style) == 0 {
		e.Style = []StyleRule{{Match: ".*", Text: "%%"}}
	}
	e.Set = make(map[string]bool, len(fieldNames))
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			e.Set[node.Content[i].Value] = true
		}
	}
	return nil
}

// Clone deep-copies an element binding; used by group expansion so
// mutating a clone (variable substitution) never touches the group's
// own template element.
func (e ElementConfig) Clone() ElementConfig {
	out := e
	out.Map = make(map[string]string, len(e.Map))
	for k, v := range e.Map {
		out.Map[k] = v
	}
	out.Style = append([]StyleRule(nil), e.Style...)
	out.Set = make(map[string]bool, len(e.Set))
	for k, v := range e.Set {
		out.Set[k] = v
	}
	return out
}

// GroupConfig is a reusable, parameterised list of element bindings.
type GroupConfig struct {
	GroupName string          `yaml:"group_name"`
	Elements  []ElementConfig `yaml:"elements"`
}

// GroupRef is a scheme's reference to a named group plus the
// variables substituted into each cloned element.
type GroupRef struct {
	GroupName string            `yaml:"group_name"`
	Variables map[string]string `yaml:"variables"`
}

// SchemeConfig is one configured scheme: an SVG document plus the
// element bindings projected onto it.
type SchemeConfig struct {
	SchemeID   string          `yaml:"scheme_id"`
	SchemeName string          `yaml:"scheme_name"`
	SVGPath    string          `yaml:"svg_path"`
	Interval   int             `yaml:"interval"`
	Elements   []ElementConfig `yaml:"element"`
	Groups     []GroupRef      `yaml:"group"`
}

// Config is the decoded top-level configuration tree.
type Config struct {
	Host       string              `yaml:"host"`
	Port       int                 `yaml:"port"`
	Debug      bool                `yaml:"debug"`
	InfluxDB   InfluxConfig        `yaml:"influx_db"`
	SchemesDir string              `yaml:"schemes_dir"`
	BACnet     bacnet.ModuleConfig `yaml:"bacnet"`
	Modbus     modbus.ModuleConfig `yaml:"modbus"`
	SNMP       snmp.ModuleConfig   `yaml:"snmp"`

	Templates []ElementConfig `yaml:"scheme_element_template"`
	Groups    []GroupConfig   `yaml:"scheme_element_group"`
	Schemes   []SchemeConfig  `yaml:"scheme"`
}

// listKeys are top-level keys that accumulate across merged files
// instead of the last file's value winning outright.
var listKeys = map[string]bool{
	"scheme_element_template": true,
	"scheme_element_group":    true,
	"scheme":                  true,
}

// Load reads cfg from path: a single YAML file, or, when path names a
// directory, every *.yaml/*.yml file in it in alphabetical order,
// shallow-merged into one document before decoding.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, dataerr.New(dataerr.Configuration, "no configuration path given")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.Configuration, "reading configuration path", err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, dataerr.Wrap(dataerr.Configuration, "listing configuration directory", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
		if len(files) == 0 {
			return nil, dataerr.New(dataerr.Configuration, fmt.Sprintf("no YAML files found in %s", path))
		}
	} else {
		files = []string{path}
	}

	merged, err := mergeDocuments(files)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := merged.Decode(&cfg); err != nil {
		return nil, dataerr.Wrap(dataerr.Configuration, "decoding configuration", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeDocuments shallow-merges the top-level mapping of each file's
// YAML document into one node: list-valued keys in listKeys
// concatenate across files (so a directory of scheme files each
// contributing schemes works as expected); every other key is
// overridden by the value from the later file.
func mergeDocuments(files []string) (*yaml.Node, error) {
	merged := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	index := make(map[string]int) // key -> position of its value node in merged.Content

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, dataerr.Wrap(dataerr.Configuration, "reading configuration file "+f, err)
		}
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, dataerr.Wrap(dataerr.Configuration, "parsing configuration file "+f, err)
		}
		if len(doc.Content) == 0 {
			continue // empty file
		}
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return nil, dataerr.New(dataerr.Configuration, f+": top-level document must be a mapping")
		}
		for i := 0; i+1 < len(root.Content); i += 2 {
			key, val := root.Content[i], root.Content[i+1]
			if pos, ok := index[key.Value]; ok {
				existing := merged.Content[pos]
				if listKeys[key.Value] && existing.Kind == yaml.SequenceNode && val.Kind == yaml.SequenceNode {
					existing.Content = append(existing.Content, val.Content...)
					continue
				}
				merged.Content[pos] = val
				continue
			}
			merged.Content = append(merged.Content, key, val)
			index[key.Value] = len(merged.Content) - 1
		}
	}
	return merged, nil
}

// validate enforces the startup-fatal checks not already owned by
// another component (duplicate scheme_id and template/group names are
// the resolver's job since it owns those indices; duplicate SNMP
// conn_id is enforced by the SNMP module constructor).
func validate(cfg *Config) error {
	if cfg.SchemesDir == "" {
		return dataerr.New(dataerr.Configuration, "schemes_dir is required")
	}
	return nil
}
