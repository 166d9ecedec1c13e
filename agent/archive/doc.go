// Package archive 持久化终态咨询会话。
//
// 会话在内存中保留一段时间后释放，之后的快照读取与幂等取消都从归档完成。
// GormArchive 写入 consultation_sessions 表（表结构由 internal/migration 维护），
// MongoArchive 写入一个 MongoDB 集合。二者都实现 consultation.Archive。
package archive
