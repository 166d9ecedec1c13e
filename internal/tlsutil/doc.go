// Package tlsutil 集中管理出站连接的 TLS 设置。
//
// 模型 Provider、向量化客户端与 Redis 二级缓存都从这里取配置：
// TLS 1.2 起步，TLS 1.2 下只允许 AEAD 密码套件。
package tlsutil
