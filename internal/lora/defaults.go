package lora

// familyTargets maps a model family identifier to the module-name
// suffixes adapters attach to by default when a config names none.
var familyTargets = map[string][]string{
	"t5":          {"q", "v"},
	"mt5":         {"q", "v"},
	"bart":        {"q_proj", "v_proj"},
	"gpt2":        {"c_attn"},
	"bloom":       {"query_key_value"},
	"opt":         {"q_proj", "v_proj"},
	"gptj":        {"q_proj", "v_proj"},
	"gpt_neox":    {"query_key_value"},
	"gpt_neo":     {"q_proj", "v_proj"},
	"bert":        {"query", "value"},
	"roberta":     {"query", "value"},
	"xlm-roberta": {"query", "value"},
	"electra":     {"query", "value"},
	"deberta-v2":  {"query_proj", "value_proj"},
	"deberta":     {"in_proj"},
	"layoutlm":    {"query", "value"},
	"llama":       {"q_proj", "v_proj"},
	"mistral":     {"q_proj", "v_proj"},
	"chatglm":     {"query_key_value"},
}

// mergeIncompatibleFamilies lists families whose architecture (weight
// tying through transposed storage) cannot survive a merge-and-unload.
var mergeIncompatibleFamilies = map[string]bool{
	"gpt2": true,
}

// DefaultTargets returns the default target-module suffixes for a
// model family, if one is known.
func DefaultTargets(modelType string) ([]string, bool) {
	t, ok := familyTargets[modelType]
	return t, ok
}
