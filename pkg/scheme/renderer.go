package scheme

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"

	"github.com/protei/datagate/pkg/config"
	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/dataerr"
)

// Controller is the subset of data.Controller the renderer needs:
// a concurrent, module-batched read.
type Controller interface {
	GetValues(ctx context.Context, moduleName string, ids []string) (map[string]data.Value, error)
}

// Renderer is the Scheme Renderer (C8): it loads a scheme's SVG,
// aggregates its element bindings by data module, gathers values in
// parallel, and mutates the document per each binding's style rules.
type Renderer struct {
	logger   zerolog.Logger
	resolver *Resolver
}

func NewRenderer(logger zerolog.Logger, resolver *Resolver) *Renderer {
	return &Renderer{logger: logger, resolver: resolver}
}

// moduleReadResult pairs one module's concurrent read with its error,
// keyed by module name, so Render can fan values back out per element
// after all modules have replied.
type moduleReadResult struct {
	module string
	values map[string]data.Value
	err    error
}

// Render builds the final SVG document for schemeID using values read
// through ctl, and returns it serialised.
func (r *Renderer) Render(ctx context.Context, ctl Controller, schemeID string) (string, error) {
	scheme, err := r.resolver.Scheme(schemeID)
	if err != nil {
		return "", err
	}

	doc := etree.NewDocument()
	svgPath := filepath.Join(r.resolver.SchemesDir(), scheme.SVGPath)
	if err := doc.ReadFromFile(svgPath); err != nil {
		return "", dataerr.Wrap(dataerr.Protocol, "could not load scheme SVG", err)
	}

	byModule := make(map[string][]config.ElementConfig)
	for _, el := range scheme.Elements {
		byModule[el.DataModule] = append(byModule[el.DataModule], el)
	}

	results := make(chan moduleReadResult, len(byModule))
	var wg sync.WaitGroup
	for module, elements := range byModule {
		ids := make([]string, len(elements))
		for i, el := range elements {
			ids[i] = el.DataID
		}
		wg.Add(1)
		go func(module string, ids []string) {
			defer wg.Done()
			values, err := ctl.GetValues(ctx, module, ids)
			results <- moduleReadResult{module: module, values: values, err: err}
		}(module, ids)
	}
	wg.Wait()
	close(results)

	valuesByModule := make(map[string]map[string]string, len(byModule)) // module -> data_id -> stringified value
	for res := range results {
		if res.err != nil {
			return "", res.err
		}
		byID := make(map[string]string, len(res.values))
		for id, v := range res.values {
			byID[id] = v.String()
		}
		valuesByModule[res.module] = byID
	}

	for _, el := range scheme.Elements {
		value, ok := valuesByModule[el.DataModule][el.DataID]
		if !ok {
			r.logger.Error().Str("svg_id", el.SVGID).Str("data_id", el.DataID).
				Msg("no value returned for scheme element")
			continue
		}
		r.applyElement(doc, el, value, schemeID)
	}

	root := doc.Root()
	if root != nil {
		root.CreateAttr("width", "100%")
		root.CreateAttr("height", "100%")
	}
	return doc.WriteToString()
}

func (r *Renderer) applyElement(doc *etree.Document, el config.ElementConfig, value, schemeID string) {
	node := doc.FindElement(fmt.Sprintf("//*[@id='%s']", el.SVGID))
	if node == nil {
		r.logger.Error().Str("svg_id", el.SVGID).Str("scheme_id", schemeID).
			Msg("svg_id not found in scheme SVG")
		return
	}

	var rule *config.StyleRule
	for i := range el.Style {
		if styleMatches(el.Style[i], value) {
			rule = &el.Style[i]
			break
		}
	}
	if rule == nil {
		r.logger.Error().Str("svg_id", el.SVGID).Str("scheme_id", schemeID).Str("value", value).
			Msg("no style rule matched element value")
		return
	}

	if strings.EqualFold(el.Type, "float") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			r.logger.Error().Str("svg_id", el.SVGID).Str("scheme_id", schemeID).Err(err).
				Msg("expected float value for element")
			return
		}
		value = strconv.FormatFloat(f, 'f', el.Precision, 64)
	}

	applyStyleRule(node, *rule, value, el.Map)
}

// applyStyleRule merges the rule's fill/opacity/style overrides into
// node's style attribute, and sets its (or its first child's) text to
// rule.Text with "%%" replaced by the possibly-mapped value.
func applyStyleRule(node *etree.Element, rule config.StyleRule, value string, mapping map[string]string) {
	prev := node.SelectAttrValue("style", "")
	if rule.Fill != nil {
		prev = fmt.Sprintf("%s;fill:%s", prev, *rule.Fill)
	}
	if rule.Opacity != nil {
		prev = fmt.Sprintf("%s;opacity:%v", prev, *rule.Opacity)
	}
	if rule.Style != nil {
		prev = fmt.Sprintf("%s;%s", prev, *rule.Style)
	}
	node.CreateAttr("style", prev)

	display := value
	if mapped, ok := mapping[value]; ok {
		display = mapped
	}
	text := strings.ReplaceAll(rule.Text, "%%", display)

	if children := node.ChildElements(); len(children) > 0 {
		children[0].SetText(text)
	} else {
		node.SetText(text)
	}
}
