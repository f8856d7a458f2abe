package prompts

// Role definitions
const (
	AnalystRole = "You are an expert software architect organizing the changes of a pull request into a mindmap of themes."
)

// Similarity templates
const (
	SimilarityTemplate = AnalystRole + `

Decide whether these two themes describe the same change and should be merged into one node.

THEME A
{{VAR:theme_a}}

THEME B
{{VAR:theme_b}}

Merge only when both themes describe the same user-visible capability or the same code change.
Themes that merely touch the same files are NOT duplicates.

Respond with JSON only:
{"should_merge": true|false, "confidence": 0.0-1.0, "reasoning": "one sentence"}`

	BatchSimilarityTemplate = AnalystRole + `

For each numbered pair below decide whether the two themes describe the same change.

{{VAR:pairs}}

Merge only when both sides describe the same capability or code change. When in doubt, do not merge.

Respond with JSON only, one entry per pair, using the pair ids given above:
{"results": [{"pair_id": "...", "should_merge": true|false, "confidence": 0.0-1.0, "reasoning": "..."}]}`
)

// Expansion templates
const (
	ExpansionDecisionTemplate = AnalystRole + `

Decide whether this theme should be decomposed into smaller sub-themes.

CURRENT DEPTH: {{VAR:depth}}
GUIDANCE: {{VAR:guidance}}

THEME
{{VAR:theme}}

PARENT
{{VAR:parent|default=(none, this is a root theme)}}

SIBLINGS AT THIS LEVEL (do not propose sub-themes that overlap these)
{{VAR:siblings|default=(none)}}

A theme is atomic when it is one cohesive change a reviewer would check as a unit.
Only propose sub-themes that are genuinely distinct, and assign each a subset of the theme's files.

Respond with JSON only:
{"should_expand": true|false, "is_atomic": true|false, "reasoning": "...",
 "sub_themes": [{"name": "...", "description": "...", "business_impact": "...", "files": ["..."], "rationale": "..."}]}`

	SubThemesTemplate = AnalystRole + `

This theme was judged too broad to review as one unit. Split it into 2 to 6 distinct sub-themes.

CURRENT DEPTH: {{VAR:depth}}
GUIDANCE: {{VAR:guidance}}

THEME
{{VAR:theme}}

Every sub-theme must list only files that appear in the theme's file list.

Respond with JSON only:
{"sub_themes": [{"name": "...", "description": "...", "business_impact": "...", "files": ["..."], "rationale": "..."}]}`

	DuplicateGroupsTemplate = AnalystRole + `

These sibling themes were produced independently. Identify groups of items that describe LITERALLY the same change.

{{VAR:items}}

{{VAR:caution|default=Related but distinct changes must stay separate.}}
When in doubt, keep items separate. Each index may appear in at most one group.

Respond with JSON only:
{"duplicate_groups": [[0, 2], [1, 3]], "reasoning": "..."}
Use an empty list when there are no duplicates.`
)

// Classification templates
const (
	NamingTemplate = AnalystRole + `

These themes are being merged into one. Write a unified name and description.

{{VAR:themes}}

The name must be 3 to 50 characters, a noun phrase, with no sentence punctuation.

Respond with JSON only:
{"name": "...", "description": "..."}`

	DomainTemplate = AnalystRole + `

Classify the business domain of this change in two or three words (for example "Authentication", "Billing", "Developer Tooling").

{{VAR:context}}

Respond with JSON only:
{"domain": "...", "confidence": 0.0-1.0}`
)

// Hierarchy templates
const (
	CrossLevelTemplate = AnalystRole + `

The finished mindmap may contain the same change in different branches. For each numbered pair
below classify the relationship and the merge action.

{{VAR:pairs}}

relationship: duplicate | overlap | related | distinct
action: merge_up (keep the higher-level node) | merge_down (keep the lower-level node) | merge_sibling | keep_separate

Respond with JSON only:
{"results": [{"pair_id": "...", "relationship": "...", "action": "...", "similarity_score": 0.0-1.0, "reasoning": "..."}]}`
)
