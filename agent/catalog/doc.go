// Package catalog 定义专家目录的只读边界：AgentProfile、元数据过滤条件与
// Store 接口，并提供内存实现与基于 GORM 的实现。
//
// 目录由外部系统维护，咨询核心只通过 Store.GetByID 与 Store.Query 读取。
package catalog
