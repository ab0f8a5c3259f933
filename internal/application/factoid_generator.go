package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/access-ci/qa-extraction/internal/domain"
)

// factoidTemplate renders one single-fact question about an entity. A
// template fires only when every required field is present. Boolean
// templates pick the yes or no answer from the truthiness of boolField.
type factoidTemplate struct {
	id        string
	question  *template.Template
	answer    *template.Template
	boolField string
	yes, no   *template.Template
	required  []string
}

func parseFactoid(id, text string) *template.Template {
	return template.Must(template.New(id).Option("missingkey=error").Parse(text))
}

func fact(id, question, answer string, required ...string) factoidTemplate {
	return factoidTemplate{
		id:       id,
		question: parseFactoid(id+".q", question),
		answer:   parseFactoid(id+".a", answer),
		required: required,
	}
}

func yesNo(id, question, boolField, yes, no string, required ...string) factoidTemplate {
	return factoidTemplate{
		id:        id,
		question:  parseFactoid(id+".q", question),
		boolField: boolField,
		yes:       parseFactoid(id+".yes", yes),
		no:        parseFactoid(id+".no", no),
		required:  required,
	}
}

var factoidTemplates = map[string][]factoidTemplate{
	domain.DomainComputeResources: {
		fact("fq_resource_type", "What type of resource is {{.name}}?",
			"{{.name}} is a {{.resourceType}} resource.", "name", "resourceType"),
		fact("fq_operator", "Who operates {{.name}}?",
			"{{.name}} is operated by {{.organization_names_str}}.", "name", "organization_names_str"),
		yesNo("fq_has_gpu", "Does {{.name}} have GPUs?", "hasGpu",
			"Yes, {{.name}} has GPUs available.",
			"No, {{.name}} does not have GPUs.", "name"),
		fact("fq_gpu_model", "What GPU models does {{.name}} have?",
			"{{.name}} has {{.gpu_types_str}}.", "name", "gpu_types_str"),
		yesNo("fq_allocated", "Is {{.name}} ACCESS-allocated?", "accessAllocated",
			"Yes, {{.name}} is an ACCESS-allocated resource.",
			"No, {{.name}} is not ACCESS-allocated.", "name"),
		fact("fq_features", "What features does {{.name}} support?",
			"{{.name}} supports {{.feature_names_str}}.", "name", "feature_names_str"),
		fact("fq_description", "What is {{.name}}?", "{{.description_short}}", "name", "description_short"),
	},
	domain.DomainSoftwareDiscovery: {
		fact("fq_software_type", "What type of software is {{.name}}?",
			"{{.name}} is a {{.software_type}}.", "name", "software_type"),
		fact("fq_resource_count", "How many ACCESS resources have {{.name}} installed?",
			"{{.name}} is available on {{.resource_count}} ACCESS resources.", "name", "resource_count"),
		fact("fq_resource_list", "Which ACCESS systems have {{.name}}?",
			"{{.name}} is available on {{.resource_names_str}}.", "name", "resource_names_str"),
		fact("fq_latest_version", "What is the latest version of {{.name}} on ACCESS?",
			"The latest version of {{.name}} on ACCESS is {{.latest_version}}.", "name", "latest_version"),
		fact("fq_version_count", "How many versions of {{.name}} are available on ACCESS?",
			"There are {{.version_count}} versions of {{.name}} available on ACCESS.", "name", "version_count"),
		yesNo("fq_has_example", "Is there a usage example for {{.name}} on ACCESS?", "example_use",
			"Yes, there is a usage example available for {{.name}} on ACCESS.",
			"No, there is no usage example available for {{.name}} on ACCESS.", "name"),
		fact("fq_description", "What is {{.name}}?", "{{.description}}", "name", "description"),
	},
	domain.DomainAllocations: {
		fact("fq_pi_name", "Who is the PI for {{.title}}?", "The PI for {{.title}} is {{.pi}}.", "title", "pi"),
		fact("fq_institution", "What institution leads {{.title}}?",
			"{{.title}} is led by researchers at {{.institution}}.", "title", "institution"),
		fact("fq_field", "What field of science is {{.title}} in?",
			"{{.title}} is in the field of {{.field_of_science}}.", "title", "field_of_science"),
		fact("fq_start_date", "When does {{.title}} start?", "{{.title}} starts on {{.beginDate}}.", "title", "beginDate"),
		fact("fq_end_date", "When does {{.title}} end?", "{{.title}} ends on {{.endDate}}.", "title", "endDate"),
		fact("fq_alloc_type", "What type of allocation is {{.title}}?",
			"{{.title}} is a {{.allocation_type}} allocation.", "title", "allocation_type"),
		fact("fq_resource_count", "How many resources does {{.title}} use?",
			"{{.title}} uses {{.resource_count}} resources.", "title", "resource_count"),
		fact("fq_resource_list", "What resources does {{.title}} use?",
			"{{.title}} uses {{.resource_names_str}}.", "title", "resource_names_str"),
	},
	domain.DomainNSFAwards: {
		fact("fq_pi_name", `Who is the PI for the NSF award "{{.title}}"?`,
			`The PI for "{{.title}}" is {{.principal_investigator}}.`, "title", "principal_investigator"),
		fact("fq_institution", `What institution is the NSF award "{{.title}}" at?`,
			`"{{.title}}" is at {{.institution}}.`, "title", "institution"),
		fact("fq_amount", `How much funding was awarded for "{{.title}}"?`,
			`"{{.title}}" was awarded {{.total_intended_award}}.`, "title", "total_intended_award"),
		fact("fq_program", `What NSF program funds "{{.title}}"?`,
			`"{{.title}}" is funded by the {{.primary_program}} program.`, "title", "primary_program"),
		fact("fq_start_date", `When does the NSF award "{{.title}}" start?`,
			`"{{.title}}" starts on {{.startDate}}.`, "title", "startDate"),
		fact("fq_end_date", `When does the NSF award "{{.title}}" end?`,
			`"{{.title}}" ends on {{.endDate}}.`, "title", "endDate"),
		yesNo("fq_has_copis", `Does "{{.title}}" have co-PIs?`, "co_pis",
			`Yes, "{{.title}}" has {{.copi_count}} co-PI(s): {{.copis_str}}.`,
			`No, "{{.title}}" does not have any co-PIs.`, "title"),
		fact("fq_award_number", `What is the award number for "{{.title}}"?`,
			`The award number for "{{.title}}" is {{.award_number}}.`, "title", "award_number"),
	},
	domain.DomainAffinityGroups: {
		fact("fq_coordinator", "Who coordinates the {{.name}} affinity group?",
			"The {{.name}} affinity group is coordinated by {{.coordinator}}.", "name", "coordinator"),
		fact("fq_category", "What category is the {{.name}} affinity group in?",
			"The {{.name}} affinity group is in the {{.category}} category.", "name", "category"),
		yesNo("fq_has_slack", "Does the {{.name}} affinity group have a Slack channel?", "slack_link",
			"Yes, the {{.name}} affinity group has a Slack channel.",
			"No, the {{.name}} affinity group does not have a Slack channel.", "name"),
		yesNo("fq_has_events", "Does the {{.name}} affinity group host events?", "upcoming_events",
			"Yes, the {{.name}} affinity group hosts events.",
			"No, the {{.name}} affinity group does not currently have events listed.", "name"),
		yesNo("fq_has_kb", "Does the {{.name}} affinity group have a knowledge base?", "knowledge_base_topics",
			"Yes, the {{.name}} affinity group maintains a knowledge base.",
			"No, the {{.name}} affinity group does not have a knowledge base.", "name"),
		fact("fq_support", "Where can I get support from the {{.name}} affinity group?",
			"You can get support from the {{.name}} affinity group at {{.support_url}}.", "name", "support_url"),
	},
}

// Empty interpolations leave these marks behind in rendered answers.
var factoidDefects = []*regexp.Regexp{
	regexp.MustCompile(`\b(is|by|at|for|uses|has|in|on|the)\s*[.,;:]`),
	regexp.MustCompile(`,\s*[.,;:]`),
	regexp.MustCompile(`\(\s*\)`),
	regexp.MustCompile(`  `),
}

// minFactoidAnswer is the shortest answer, in runes, worth keeping.
const minFactoidAnswer = 10

// TemplatePairGenerator produces single-fact pairs from fixed per-domain
// templates. It never calls a model, so its output depends only on the
// entity data.
type TemplatePairGenerator struct {
	templates map[string][]factoidTemplate
}

// NewTemplatePairGenerator returns a generator over the catalog templates.
func NewTemplatePairGenerator() *TemplatePairGenerator {
	return &TemplatePairGenerator{templates: factoidTemplates}
}

// Generate renders every template of the entity's domain that has its
// required fields. Domains without templates yield no pairs.
func (g *TemplatePairGenerator) Generate(ctx context.Context, entity domain.Entity) ([]domain.QAPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	templates := g.templates[entity.Ref.Domain]
	if len(templates) == 0 {
		return nil, nil
	}

	fields := prepareFactoidFields(entity.Ref.Domain, entity.Data)
	citation := entity.Ref.Citation().String()
	hash := entity.Hash()
	stem := entityIDStem(entity.Ref)

	var pairs []domain.QAPair
	for _, t := range templates {
		question, answer, ok := t.render(fields)
		if !ok {
			continue
		}
		pairs = append(pairs, domain.NewQAPair(
			stem+"_"+t.id,
			question,
			answer+"\n\n"+citation,
			entity.SourceRef,
			entity.Ref.Domain,
			domain.WithComplexity(domain.ComplexitySimple),
			domain.WithGranularity(domain.GranularityFactoid),
			domain.WithSourceData(entity.Data),
			domain.WithSourceHash(hash),
		))
	}
	return pairs, nil
}

func (t factoidTemplate) render(fields map[string]any) (question, answer string, ok bool) {
	for _, name := range t.required {
		if !present(fields[name]) {
			return "", "", false
		}
	}
	question, err := execFactoid(t.question, fields)
	if err != nil {
		return "", "", false
	}
	at := t.answer
	if t.boolField != "" {
		at = t.no
		if truthy(fields[t.boolField]) {
			at = t.yes
		}
	}
	answer, err = execFactoid(at, fields)
	if err != nil || hasFactoidDefect(answer) {
		return "", "", false
	}
	return question, answer, true
}

func execFactoid(t *template.Template, fields map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, fields); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func hasFactoidDefect(answer string) bool {
	clean := strings.TrimSpace(answer)
	if utf8.RuneCountInString(clean) < minFactoidAnswer {
		return true
	}
	for _, re := range factoidDefects {
		if re.MatchString(clean) {
			return true
		}
	}
	return false
}

// present reports whether a required field has a usable value. Zero and
// false count as values; nil and empty strings, lists and maps do not.
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case []string:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	default:
		return present(v)
	}
}

// prepareFactoidFields copies data and adds the derived fields the
// templates of domainName refer to.
func prepareFactoidFields(domainName string, data map[string]any) map[string]any {
	d := make(map[string]any, len(data)+6)
	for k, v := range data {
		d[k] = plainNumber(v)
	}
	switch domainName {
	case domain.DomainComputeResources:
		d["organization_names_str"] = strings.Join(cleanStrings(data["organization_names"]), ", ")
		d["feature_names_str"] = strings.Join(cleanStrings(data["feature_names"], "Unknown"), ", ")
		var gpus []string
		if hw, ok := data["hardware"].(map[string]any); ok {
			gpus = cleanStrings(fieldOf(hw["gpus"], "name"))
		}
		d["gpu_types_str"] = strings.Join(gpus, ", ")
		d["description_short"] = firstSentence(stringOf(data["description"]))
	case domain.DomainSoftwareDiscovery:
		names := cleanStrings(fieldOf(data["available_on_resources"], "name", "resource_id"))
		d["resource_count"] = len(names)
		d["resource_names_str"] = strings.Join(names, ", ")
		versions, _ := data["versions"].([]any)
		d["version_count"] = len(versions)
		d["latest_version"] = ""
		if len(versions) > 0 {
			if v := fieldOf(versions[:1], "version"); len(v) > 0 {
				d["latest_version"] = strings.TrimSpace(stringOf(v[0]))
			}
		}
	case domain.DomainAllocations:
		names := cleanStrings(fieldOf(data["resources"], "name"))
		d["resource_count"] = len(names)
		d["resource_names_str"] = strings.Join(names, ", ")
	case domain.DomainNSFAwards:
		coPIs := cleanStrings(data["co_pis"])
		d["co_pis"] = coPIs
		d["copi_count"] = len(coPIs)
		d["copis_str"] = strings.Join(coPIs, ", ")
	}
	return d
}

// fieldOf reads items as strings; map items contribute the first of keys
// that holds a value.
func fieldOf(items any, keys ...string) []any {
	list, ok := items.([]any)
	if !ok {
		return nil
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			out = append(out, item)
			continue
		}
		var v any
		for _, k := range keys {
			if present(m[k]) {
				v = m[k]
				break
			}
		}
		out = append(out, v)
	}
	return out
}

// cleanStrings trims the items of a list, dropping empty ones and any
// starting with one of excludePrefixes.
func cleanStrings(items any, excludePrefixes ...string) []string {
	var list []any
	switch x := items.(type) {
	case []any:
		list = x
	case []string:
		for _, s := range x {
			list = append(list, s)
		}
	default:
		return nil
	}
	var out []string
	for _, item := range list {
		s := strings.TrimSpace(stringOf(item))
		if s == "" || hasAnyPrefix(s, excludePrefixes) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// plainNumber turns integral float64 values into int64 so templates print
// 1500000 rather than 1.5e+06.
func plainNumber(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return v
}

func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func firstSentence(desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return ""
	}
	first, _, _ := strings.Cut(desc, ". ")
	if !strings.HasSuffix(first, ".") {
		first += "."
	}
	return first
}
