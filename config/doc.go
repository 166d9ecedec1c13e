// Package config 提供咨询服务的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → CONSULT_* 环境变量 的顺序加载，
// 覆盖服务器、编排器、检索、缓存、检查点、存储、模型与遥测等部分。
package config
