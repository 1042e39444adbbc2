package cel

// RuleExpressionExamples lists expressions accepted in a rule clause's
// `expression` field.
var RuleExpressionExamples = map[string]string{
	"simple_equals":     `detail.interactionType == "voice"`,
	"numeric_range":     `detail.confidence >= 0.5 && detail.confidence < 1.0`,
	"in_list":           `detail.interactionType in ["voice", "text"]`,
	"prefix":            `detail.locale.startsWith("en")`,
	"has_field":         `has(detail.sessionId) && detail.sessionId != ""`,
	"nested_field":      `detail.user.tier == "premium"`,
	"envelope_fields":   `source == "assistant" && event_type == "UserInteraction"`,
	"priority":          `priority in ["high", "critical"]`,
	"correlated":        `correlation_id != ""`,
	"recent":            `occurred_at > timestamp("2024-01-01T00:00:00Z")`,
	"combined":          `(detail.channel == "mobile" || detail.channel == "web") && detail.latencyMs > 200`,
	"string_contains":   `detail.utterance.contains("cancel")`,
	"size_check":        `size(detail.attachments) > 0`,
	"ternary_condition": `detail.retries > 3 ? priority == "critical" : true`,
}
