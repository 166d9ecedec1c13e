// Package tokenizer 提供统一的 Token 计数接口，
// 支持 tiktoken 精确计数与 CJK 估算器，并提供按 token 预算裁剪上下文的 FitBudget。
package tokenizer
