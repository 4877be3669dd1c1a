package rules

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services/content"
	"github.com/upb/oap-policy-engine/services/limits"
)

// Built-in validator names
const (
	ValidatorIdempotency     = "idempotency"
	ValidatorUsageCap        = "usage_cap"
	ValidatorAssuranceTier   = "assurance_tier"
	ValidatorOrderBalance    = "order_balance"
	ValidatorBlockedPatterns = "blocked_patterns"
	ValidatorMentionPolicy   = "mention_policy"
	ValidatorChangeSize      = "change_size"
	ValidatorPIIGuard        = "pii_guard"
	ValidatorMaxItems        = "max_items"
	ValidatorBlockedValues   = "blocked_values"
	ValidatorInjectionGuard  = "injection_guard"
)

var (
	errNoIdempotencyStore = errors.New("idempotency store not configured")
	errNoUsageStore       = errors.New("usage store not configured")
)

func builtinValidators() []Validator {
	return []Validator{
		{Name: ValidatorIdempotency, Fn: checkIdempotency, Stateful: true},
		{Name: ValidatorUsageCap, Fn: checkUsageCap, Stateful: true, CheckParams: usageCapParams},
		{Name: ValidatorAssuranceTier, Fn: checkAssuranceTier, CheckParams: assuranceTierParams},
		{Name: ValidatorOrderBalance, Fn: checkOrderBalance},
		{Name: ValidatorBlockedPatterns, Fn: checkBlockedPatterns},
		{Name: ValidatorMentionPolicy, Fn: checkMentionPolicy},
		{Name: ValidatorChangeSize, Fn: checkChangeSize},
		{Name: ValidatorPIIGuard, Fn: checkPIIGuard},
		{Name: ValidatorMaxItems, Fn: checkMaxItems},
		{Name: ValidatorBlockedValues, Fn: checkBlockedValues, CheckParams: blockedValuesParams},
		{Name: ValidatorInjectionGuard, Fn: checkInjectionGuard},
	}
}

// checkIdempotency denies a key already bound to a decision for this policy and agent.
// An unseen key passes and is handed back for reservation.
func checkIdempotency(ctx context.Context, env *Env, params Params) (Outcome, error) {
	field := params.String("field", "idempotency_key")
	key, _ := env.Context[field].(string)
	if key == "" {
		return Pass(), nil
	}
	if env.Idempotency == nil {
		return Outcome{}, errNoIdempotencyStore
	}

	k := models.IdempotencyKey{PolicyID: env.Policy.ID, AgentID: env.AgentID(), Key: key}
	rec, err := env.Idempotency.Lookup(ctx, k)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency lookup: %w", err)
	}
	if rec != nil {
		out := Fail("Duplicate idempotency key detected. Previous decision: %s", rec.DecisionID)
		out.PriorDecisionID = rec.DecisionID
		return out, nil
	}
	return Outcome{Pass: true, Reserve: &k}, nil
}

func usageCapParams(p Params) error {
	if p.String("limit_path", "") == "" {
		return errors.New("usage_cap requires limit_path")
	}
	if _, err := ParseFieldPath(RootLimits + "." + p.String("limit_path", "")); err != nil {
		return err
	}
	if _, err := models.ParseUsagePeriod(p.String("period", "")); err != nil {
		return err
	}
	return nil
}

// checkUsageCap compares current usage plus this request against a periodic cap.
// The check is read-then-compare; concurrent requests may overshoot the cap
// unless consumption is recorded through the exact path.
func checkUsageCap(ctx context.Context, env *Env, params Params) (Outcome, error) {
	limitVal, err := env.Lookup(RootLimits + "." + params.String("limit_path", ""))
	if err != nil {
		return Outcome{}, err
	}
	limit, ok := limits.ToInt64(limitVal)
	if !ok {
		if params.Bool("require_limit", false) {
			return Fail("No %s limit configured", params.String("limit_path", "")), nil
		}
		return Pass(), nil
	}

	amount := params.Int64("increment", 0)
	if amount == 0 {
		amount, ok = limits.ToInt64(env.Context[params.String("amount_field", "amount_minor")])
		if !ok {
			return Pass(), nil
		}
	}

	resource := params.String("resource", "")
	if field := params.String("resource_field", ""); field != "" {
		resource, _ = env.Context[field].(string)
	}
	if resource == "" {
		resource = "*"
	}

	if env.Usage == nil {
		return Outcome{}, errNoUsageStore
	}
	period, _ := models.ParseUsagePeriod(params.String("period", ""))
	key := models.NewUsageKey(env.AgentID(), env.Capability, resource, period, env.Now)
	current, err := env.Usage.Current(ctx, key)
	if err != nil {
		return Outcome{}, fmt.Errorf("usage lookup: %w", err)
	}

	snap := &UsageSnapshot{Key: key, Limit: limit, Current: current, Amount: amount}
	if current+amount > limit {
		out := Fail("%s cap %d %s exceeded for %s; current %d + %d > %d",
			periodLabel(period), limit, resource, resource, current, amount, limit)
		if params.Bool("rate", false) {
			out = Fail("Rate limit of %d per %s exceeded; current %d", limit, period, current)
		}
		out.Usage = snap
		return out, nil
	}
	return Outcome{Pass: true, Usage: snap}, nil
}

func periodLabel(p models.UsagePeriod) string {
	switch p {
	case models.PeriodMinute:
		return "Per-minute"
	case models.PeriodMonthly:
		return "Monthly"
	}
	return "Daily"
}

type tier struct {
	max   int64
	bound bool
	level string
}

func parseTiers(raw interface{}) ([]tier, error) {
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return nil, errors.New("assurance_tier requires a non-empty tiers list")
	}
	out := make([]tier, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("tier %d is not an object", i)
		}
		level, _ := m["level"].(string)
		if level != "L4" {
			if _, err := models.ParseAssuranceLevel(level); err != nil {
				return nil, fmt.Errorf("tier %d: %w", i, err)
			}
		}
		t := tier{level: level}
		if v, present := m["max"]; present {
			if t.max, ok = limits.ToInt64(v); !ok {
				return nil, fmt.Errorf("tier %d: max must be an integer", i)
			}
			t.bound = true
		}
		out = append(out, t)
	}
	return out, nil
}

func assuranceTierParams(p Params) error {
	_, err := parseTiers(p["tiers"])
	return err
}

// satisfiesTier treats a bare "L4" requirement as either top-tier track
func satisfiesTier(have models.AssuranceLevel, level string) bool {
	if level == "L4" {
		return have.Rank() == models.AssuranceL4KYC.Rank()
	}
	return have.Satisfies(models.AssuranceLevel(level))
}

// checkAssuranceTier raises the required assurance with the request amount
func checkAssuranceTier(_ context.Context, env *Env, params Params) (Outcome, error) {
	tiers, err := parseTiers(params["tiers"])
	if err != nil {
		return Outcome{}, err
	}
	amount, ok := limits.ToInt64(env.Context[params.String("amount_field", "amount_minor")])
	if !ok {
		return Pass(), nil
	}
	cur, _ := env.Context[params.String("currency_field", "currency")].(string)

	for _, t := range tiers {
		if t.bound && amount > t.max {
			continue
		}
		if satisfiesTier(env.Passport.AssuranceLevel, t.level) {
			return Pass(), nil
		}
		return Fail("%s amount %d %s requires %s assurance level, but agent has %s",
			params.String("label", "Refund"), amount, cur, t.level, env.Passport.AssuranceLevel), nil
	}
	return Fail("Amount %d %s exceeds every assurance tier", amount, cur), nil
}

// checkOrderBalance caps the amount at the order total less prior refunds
func checkOrderBalance(_ context.Context, env *Env, params Params) (Outcome, error) {
	amount, ok := limits.ToInt64(env.Context[params.String("amount_field", "amount_minor")])
	if !ok {
		return Pass(), nil
	}
	total, ok := limits.ToInt64(env.Context[params.String("total_field", "order_total_minor")])
	if !ok {
		return Pass(), nil
	}
	refunded, _ := limits.ToInt64(env.Context[params.String("refunded_field", "already_refunded_minor")])

	remaining := total - refunded
	if amount > remaining {
		return Fail("Refund amount %d exceeds remaining order balance %d", amount, remaining), nil
	}
	return Pass(), nil
}

// checkBlockedPatterns is a case-insensitive substring scan of the command line
func checkBlockedPatterns(_ context.Context, env *Env, params Params) (Outcome, error) {
	blocked, _ := env.Limits.Strings(params.String("patterns_path", "blocked_patterns"))
	if len(blocked) == 0 {
		return Pass(), nil
	}

	var parts []string
	for _, f := range params.Strings("fields", []string{"command", "args"}) {
		parts = append(parts, textOf(env.Context[f])...)
	}
	haystack := strings.ToLower(strings.Join(parts, " "))

	for _, p := range blocked {
		if p == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(p)) {
			return Fail("Command contains blocked pattern: %s", p), nil
		}
	}
	return Pass(), nil
}

func textOf(v interface{}) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []interface{}:
		var out []string
		for _, item := range x {
			out = append(out, textOf(item)...)
		}
		return out
	case []string:
		return x
	}
	return nil
}

var broadcastMentions = map[string]bool{"@everyone": true, "@channel": true, "@here": true, "@all": true}

// checkMentionPolicy applies none|limited|all to the message's mentions
func checkMentionPolicy(_ context.Context, env *Env, params Params) (Outcome, error) {
	policy, _ := env.Limits.String(params.String("policy_path", "mention_policy"))
	if policy == "" {
		policy = params.String("default", "all")
	}
	mentions := textOf(env.Context[params.String("mentions_field", "mentions")])

	switch policy {
	case "all":
		return Pass(), nil
	case "none":
		if len(mentions) > 0 {
			return Fail("Mentions are not allowed for this agent"), nil
		}
		return Pass(), nil
	case "limited":
		for _, m := range mentions {
			if broadcastMentions[strings.ToLower(m)] {
				return Fail("Broadcast mention %s is not allowed", m), nil
			}
		}
		if limit := params.Int64("max_mentions", 5); int64(len(mentions)) > limit {
			return Fail("Mention count %d exceeds limit %d", len(mentions), limit), nil
		}
		return Pass(), nil
	}
	return Fail("Unknown mention policy %q", policy), nil
}

// checkChangeSize bounds the number of files and lines a change touches and,
// when the passport sets path_allowlist, the paths it may touch
func checkChangeSize(_ context.Context, env *Env, params Params) (Outcome, error) {
	changed := env.Context[params.String("files_field", "files_changed")]
	files := countOf(changed)
	if limit, ok := env.Limits.Int64(params.String("max_files_path", "max_files_changed")); ok && files > limit {
		return Fail("Change touches %d files, limit is %d", files, limit), nil
	}

	lines, ok := limits.ToInt64(env.Context[params.String("lines_field", "lines_added")])
	if !ok {
		lines = sumAttribute(changed, "additions")
	}
	if limit, ok := env.Limits.Int64(params.String("max_lines_path", "max_lines_added")); ok && lines > limit {
		return Fail("Change adds %d lines, limit is %d", lines, limit), nil
	}

	if allow, ok := env.Limits.Strings(params.String("paths_path", "path_allowlist")); ok && len(allow) > 0 {
		for _, p := range changedPaths(changed) {
			if !pathAllowed(p, allow) {
				return Fail("File %s is outside allowed paths", p), nil
			}
		}
	}
	return Pass(), nil
}

func sumAttribute(v interface{}, attr string) int64 {
	list, _ := v.([]interface{})
	var total int64
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			if n, ok := limits.ToInt64(m[attr]); ok {
				total += n
			}
		}
	}
	return total
}

func changedPaths(v interface{}) []string {
	list, _ := v.([]interface{})
	var out []string
	for _, item := range list {
		switch x := item.(type) {
		case string:
			out = append(out, x)
		case map[string]interface{}:
			if p, ok := x["path"].(string); ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// pathAllowed matches a glob or a directory prefix ending in "/"
func pathAllowed(p string, allow []string) bool {
	for _, a := range allow {
		if a == Wildcard {
			return true
		}
		if strings.HasSuffix(a, "/") && strings.HasPrefix(p, a) {
			return true
		}
		if ok, err := path.Match(a, p); err == nil && ok {
			return true
		}
	}
	return false
}

func countOf(v interface{}) int64 {
	if n, ok := limits.ToInt64(v); ok {
		return n
	}
	switch x := v.(type) {
	case []interface{}:
		return int64(len(x))
	case []string:
		return int64(len(x))
	}
	return 0
}

// checkPIIGuard denies exports that carry personal data unless the passport allows it
func checkPIIGuard(_ context.Context, env *Env, params Params) (Outcome, error) {
	allowed := false
	if v, ok := env.Limits.Get(params.String("allow_path", "allow_pii")); ok {
		allowed, _ = v.(bool)
	}
	if allowed {
		return Pass(), nil
	}

	if include, _ := env.Context[params.String("include_field", "include_pii")].(bool); include {
		return Fail("PII export is not allowed for this agent"), nil
	}

	fields := textOf(env.Context[params.String("columns_field", "fields")])
	if sensitive := content.SensitiveFields(fields); len(sensitive) > 0 {
		return Fail("Export includes PII fields: %s", strings.Join(sensitive, ", ")), nil
	}

	for _, f := range params.Strings("scan_fields", []string{"query", "filter"}) {
		for _, text := range textOf(env.Context[f]) {
			if found := content.Detect(text); len(found) > 0 {
				return Fail("Export %s contains %s data", f, found[0].Type), nil
			}
		}
	}
	return Pass(), nil
}

// checkMaxItems bounds the number of entries in a list field
func checkMaxItems(_ context.Context, env *Env, params Params) (Outcome, error) {
	limit, ok := env.Limits.Int64(params.String("limit_path", "max_items_per_tx"))
	if !ok {
		return Pass(), nil
	}
	if n := countOf(env.Context[params.String("field", "items")]); n > limit {
		return Fail("Item count %d exceeds maximum allowed %d", n, limit), nil
	}
	return Pass(), nil
}

func blockedValuesParams(p Params) error {
	if p.String("field", "") == "" || p.String("list_path", "") == "" {
		return errors.New("blocked_values requires field and list_path")
	}
	return nil
}

// checkBlockedValues denies when any element attribute of a list appears in a blocklist,
// e.g. items[].category against blocked_categories
func checkBlockedValues(_ context.Context, env *Env, params Params) (Outcome, error) {
	blocked, _ := env.Limits.Strings(params.String("list_path", ""))
	if len(blocked) == 0 {
		return Pass(), nil
	}
	set := make(map[string]bool, len(blocked))
	for _, b := range blocked {
		set[strings.ToLower(b)] = true
	}

	attr := params.String("attribute", "")
	var values []string
	switch x := env.Context[params.String("field", "")].(type) {
	case []interface{}:
		for _, item := range x {
			if attr == "" {
				values = append(values, textOf(item)...)
				continue
			}
			if m, ok := item.(map[string]interface{}); ok {
				values = append(values, textOf(m[attr])...)
			}
		}
	default:
		values = textOf(x)
	}

	for _, v := range values {
		if set[strings.ToLower(v)] {
			return Fail("Value %s is blocked", v), nil
		}
	}
	return Pass(), nil
}

// checkInjectionGuard scans agent-supplied text, nested objects included, for
// smuggled instructions. Passports may opt out with allow_unscanned_arguments.
func checkInjectionGuard(_ context.Context, env *Env, params Params) (Outcome, error) {
	if v, ok := env.Limits.Get(params.String("allow_path", "allow_unscanned_arguments")); ok {
		if allowed, _ := v.(bool); allowed {
			return Pass(), nil
		}
	}

	threshold := float64(params.Int64("min_confidence_pct", int64(content.DefaultInjectionThreshold*100))) / 100
	for _, f := range params.Strings("fields", []string{"arguments"}) {
		for _, text := range deepText(env.Context[f]) {
			if d, ok := content.FirstInjection(text, threshold); ok {
				return Fail("Field %s contains a suspected %s instruction", f, d.Type), nil
			}
		}
	}
	return Pass(), nil
}

func deepText(v interface{}) []string {
	m, ok := v.(map[string]interface{})
	if !ok {
		if list, ok := v.([]interface{}); ok {
			var out []string
			for _, item := range list {
				out = append(out, deepText(item)...)
			}
			return out
		}
		return textOf(v)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		out = append(out, deepText(m[k])...)
	}
	return out
}
