package tokenizer

// EstimatorTokenizer 基于字符数估算 token，区分 CJK 与 ASCII 字符.
type EstimatorTokenizer struct {
	model     string
	maxTokens int
}

// NewEstimatorTokenizer creates a generic estimator.
func NewEstimatorTokenizer(model string, maxTokens int) *EstimatorTokenizer {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &EstimatorTokenizer{model: model, maxTokens: maxTokens}
}

// CJK ~1.5 chars/token, 其他 ~4 chars/token.
func runeWeight(r rune) float64 {
	if isCJK(r) {
		return 1 / 1.5
	}
	return 1 / 4.0
}

func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	var total float64
	for _, r := range text {
		total += runeWeight(r)
	}
	estimated := int(total)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

// Truncate 按估算权重累加，在超过 maxTokens 前截断，保证不切断 UTF-8 字符.
func (e *EstimatorTokenizer) Truncate(text string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return "", nil
	}
	if n, _ := e.CountTokens(text); n <= maxTokens {
		return text, nil
	}
	var total float64
	for i, r := range text {
		total += runeWeight(r)
		if total > float64(maxTokens) {
			return text[:i], nil
		}
	}
	return text, nil
}

func (e *EstimatorTokenizer) MaxTokens() int {
	return e.maxTokens
}

func (e *EstimatorTokenizer) Name() string {
	return "estimator"
}

// isCJK returns true if the rune is a CJK character.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}

