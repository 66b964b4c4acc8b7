// Package config 提供 VisitDesk 的配置管理功能。
//
// 包含配置加载、校验与热重载。
// 支持从 YAML 文件和环境变量加载配置，
// 日志级别可在运行时在线调整。
package config
