// Package evidence 为专家发言提供文献引用。
//
// Library 是一个内存向量库，文档在加载时批量向量化；Supplier 按问题与专家
// 画像检索 Top-K 文档并转换为 consultation.Citation，满足
// consultation.EvidenceSupplier 接口。
package evidence
