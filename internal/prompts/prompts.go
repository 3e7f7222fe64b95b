// Package prompts holds the stage prompt builders and the canonical
// concern/origin vocabulary used to validate scoring output.
package prompts

import (
	"fmt"
	"strings"
)

// SchemaVersion is the fixed version tag stamped onto every scoring result.
const SchemaVersion = "ver3_action_point"

// concernOrder fixes iteration order for prompt text; Go maps do not.
var concernOrder = []string{"acne", "pores", "dullness", "stain", "wrinkle", "yuragi"}

// ActionPointsCanonical maps each concern to its closed list of valid
// origins (action points). Both vocabularies are closed; the model may not
// invent new strings.
var ActionPointsCanonical = map[string][]string{
	"acne":     {"keratin_unplug", "sebum_regulation", "antimicrobial_c_acnes", "inflammation_quell", "oxidation_lipid_protect"},
	"pores":    {"keratin_unplug", "sebum_regulation", "comedone_prevention", "oxidation_blackhead_block", "pore_wall_firming_support", "surface_texture_optics"},
	"dullness": {"clearance_turnover_up", "keratin_transparency_optics_up", "oxidation_yellowing_block", "glycation_yellowing_block", "microcirculation_balance"},
	"stain":    {"signal_block", "uv_pathway_protect", "melanogenesis_enzyme_block", "transfer_block", "darkening_fixation_block", "clearance_turnover_up"},
	"wrinkle":  {"hydration_plumping", "muscle_relaxation_support", "collagen_synthesis_up", "elastin_fiber_protect", "glycation_block"},
	"yuragi":   {"barrier_repair", "irritant_exposure_shield", "inflammation_quell", "microbiome_immune_balance", "redness_vasomotor_control"},
}

// Concerns returns the six canonical concern names in fixed order.
func Concerns() []string {
	return concernOrder
}

// ScoreSystem builds the system prompt for the scoring stage.
func ScoreSystem() string {
	lines := []string{
		"You are a cosmetics scoring engine.",
		"We score by action_point (field name: origin).",
		"IMPORTANT:",
		"- concern MUST be one of: " + strings.Join(concernOrder, ", "),
		"- origin MUST be one of the allowed action_points for that concern; never invent new origin strings.",
		fmt.Sprintf("- Output JSON only with schema_version=%q.", SchemaVersion),
		"",
		"Allowed action_points by concern (canonical):",
	}
	for _, c := range concernOrder {
		lines = append(lines, c+": "+strings.Join(ActionPointsCanonical[c], ", "))
	}
	lines = append(lines,
		"",
		"For each matrix row, output:",
		"- ingredient_id, concern, origin, potency, evidence, mechanism_match, risk_penalty, final_score",
		"- Values potency/evidence/mechanism_match/risk_penalty in [0,1].",
		"Compute final_score = max(0, potency*evidence*mechanism_match - risk_penalty).",
	)
	return strings.Join(lines, "\n")
}

// ScoreConstraints renders the full constraint text embedded in the
// auto-repair prompt after a validation failure.
func ScoreConstraints() string {
	lines := []string{
		"Constraints:",
		"- concern must be one of: " + strings.Join(concernOrder, ", "),
		"- origin must be one of the allowed action_points for that concern.",
		fmt.Sprintf("- schema_version must be %q.", SchemaVersion),
	}
	for _, c := range concernOrder {
		lines = append(lines, c+": "+strings.Join(ActionPointsCanonical[c], ", "))
	}
	return strings.Join(lines, "\n")
}

// ScoreRepair builds the second-attempt prompt embedding the exact
// validation error, the original normalized-ingredient input, and the
// constraint text.
func ScoreRepair(validationErr string, inputJSON string) string {
	return "Your previous JSON was invalid.\n" +
		"Error detail: " + validationErr + "\n" +
		"Original input JSON:\n" + inputJSON + "\n" +
		ScoreConstraints() + "\n" +
		"Fix and re-output JSON ONLY."
}

// RakutenSystem is the system prompt for the URL resolution stage.
func RakutenSystem() string {
	return "You are a helpful assistant. Output JSON only."
}

// ExtractSystem is the system prompt for the ingredient extraction stage.
func ExtractSystem() string {
	return "You extract cosmetics ingredient lists. Output JSON only."
}

// NormalizeSystem is the system prompt for the normalization stage.
func NormalizeSystem() string {
	return "You normalize cosmetics ingredients. Output JSON only."
}

// ScoreUser wraps the normalized-ingredient JSON as the scoring stage's
// user prompt.
func ScoreUser(inputJSON string) string {
	return "Normalized ingredients JSON:\n" + inputJSON + "\nReturn score_result JSON."
}

// RakutenURL builds the stage-1 prompt resolving a product to a Rakuten URL.
func RakutenURL(brand, product string) string {
	return strings.TrimSpace(fmt.Sprintf(`
楽天の商品URLを1つ返してください。出力はJSONのみ。

優先順位：
1) 公式ショップ（最小判定：URLにブランド名文字列「%s」が含まれる）
2) 楽天24 / 楽天公式系
3) 認定/正規取扱
4) その他（転売臭いものは避ける）

入力：
brand=%q
product=%q

出力形式：
{"rakuten_url": "...", "shop_type": "official|rakuten24|authorized|other", "reason": "short"}
`, brand, brand, product))
}

// IngredientExtract builds the stage-2 prompt extracting the full
// ingredient list for a product.
func IngredientExtract(brand, product, rakutenURL string) string {
	return strings.TrimSpace(fmt.Sprintf(`
以下の製品の全成分（日本語表記）を抽出してJSONで返してください。
不確実なら推定せず "unknown" とする。

brand=%q
product=%q
rakuten_url=%q

出力JSON：
{
  "source_url": %q,
  "ingredients_text": "成分: ...（原文）",
  "ingredients_list_jp": ["水","BG", "..."]
}
`, brand, product, rakutenURL, rakutenURL))
}

// Normalize builds the stage-3 prompt normalizing Japanese ingredient names.
func Normalize(ingredientsJSON string) string {
	return strings.TrimSpace(fmt.Sprintf(`
以下の日本語成分名リストを正規化してJSONで返してください。
出力はJSONのみ。

入力：
%s

出力：
{
  "ingredients": [
    {
      "rank_index": 1,
      "name_jp": "",
      "ingredient_id": "ING_...",
      "inci_name": "",
      "is_medicated_active": false
    }
  ]
}
`, ingredientsJSON))
}
